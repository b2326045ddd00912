package httpapi

import (
	"encoding/json"

	"github.com/gofiber/fiber/v3"

	"github.com/airlock-sh/airlock/internal/execution"
	"github.com/airlock-sh/airlock/internal/fault"
)

// Admin handlers. Everything below requireAdmin except status, setup, and
// login.

func (a *api) adminStatus(c fiber.Ctx) error {
	done, err := a.gateway.SetupComplete()
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"setup_required": !done})
}

type passwordRequest struct {
	Password string `json:"password"`
}

func (a *api) adminSetup(c fiber.Ctx) error {
	var req passwordRequest
	if err := c.Bind().Body(&req); err != nil {
		return fault.Wrap(fault.Validation, err, "invalid request body")
	}
	token, err := a.gateway.Setup(req.Password)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"token": token})
}

func (a *api) adminLogin(c fiber.Ctx) error {
	var req passwordRequest
	if err := c.Bind().Body(&req); err != nil {
		return fault.Wrap(fault.Validation, err, "invalid request body")
	}
	token, err := a.gateway.Login(req.Password)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"token": token})
}

// --- Credentials ---

func (a *api) adminListCredentials(c fiber.Ctx) error {
	infos, err := a.creds.List()
	if err != nil {
		return err
	}
	out := make([]adminCredentialJSON, 0, len(infos))
	for i := range infos {
		out = append(out, toAdminCredentialJSON(&infos[i]))
	}
	return c.JSON(fiber.Map{"credentials": out})
}

type adminCreateCredentialRequest struct {
	Name        string  `json:"name"`
	Value       *string `json:"value"`
	Description string  `json:"description"`
}

func (a *api) adminCreateCredential(c fiber.Ctx) error {
	var req adminCreateCredentialRequest
	if err := c.Bind().Body(&req); err != nil {
		return fault.Wrap(fault.Validation, err, "invalid request body")
	}
	info, err := a.creds.Create(req.Name, req.Description, req.Value)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(toAdminCredentialJSON(info))
}

// adminUpdateCredential applies a partial update. The body is decoded by
// hand so that an explicit null value (clear the secret) is distinguishable
// from an omitted one (leave it alone).
func (a *api) adminUpdateCredential(c fiber.Ctx) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(c.Body(), &raw); err != nil {
		return fault.Wrap(fault.Validation, err, "invalid request body")
	}

	var value *string
	_, valueSet := raw["value"]
	if valueSet {
		if err := json.Unmarshal(raw["value"], &value); err != nil {
			return fault.Wrap(fault.Validation, err, "invalid value field")
		}
	}
	var description *string
	if rv, ok := raw["description"]; ok {
		if err := json.Unmarshal(rv, &description); err != nil {
			return fault.Wrap(fault.Validation, err, "invalid description field")
		}
	}

	info, err := a.creds.Update(c.Params("name"), value, valueSet, description)
	if err != nil {
		return err
	}
	return c.JSON(toAdminCredentialJSON(info))
}

func (a *api) adminDeleteCredential(c fiber.Ctx) error {
	if err := a.creds.Delete(c.Params("name")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// --- Profiles ---

func (a *api) adminListProfiles(c fiber.Ctx) error {
	return a.agentListProfiles(c)
}

func (a *api) adminCreateProfile(c fiber.Ctx) error {
	return a.agentCreateProfile(c)
}

func (a *api) adminGetProfile(c fiber.Ctx) error {
	return a.agentGetProfile(c)
}

// adminUpdateProfile updates description and/or expiry. expires_at is
// tri-state: omitted leaves it, null clears it, a timestamp sets it.
func (a *api) adminUpdateProfile(c fiber.Ctx) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(c.Body(), &raw); err != nil {
		return fault.Wrap(fault.Validation, err, "invalid request body")
	}

	var description *string
	if rv, ok := raw["description"]; ok {
		if err := json.Unmarshal(rv, &description); err != nil {
			return fault.Wrap(fault.Validation, err, "invalid description field")
		}
	}
	var expiresAt *string
	_, expiresSet := raw["expires_at"]
	if expiresSet {
		if err := json.Unmarshal(raw["expires_at"], &expiresAt); err != nil {
			return fault.Wrap(fault.Validation, err, "invalid expires_at field")
		}
	}

	info, err := a.profiles.UpdateMetadata(c.Params("id"), description, expiresAt, expiresSet)
	if err != nil {
		return err
	}
	return c.JSON(toProfileJSON(info))
}

func (a *api) adminDeleteProfile(c fiber.Ctx) error {
	if err := a.profiles.Delete(c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (a *api) adminLockProfile(c fiber.Ctx) error {
	res, err := a.profiles.Lock(c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(toLockedProfileJSON(res))
}

func (a *api) adminRegenerateKey(c fiber.Ctx) error {
	res, err := a.profiles.RegenerateKey(c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(toLockedProfileJSON(res))
}

func (a *api) adminRevokeProfile(c fiber.Ctx) error {
	info, err := a.profiles.Revoke(c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(toProfileJSON(info))
}

func (a *api) adminAddCredentials(c fiber.Ctx) error {
	return a.agentAddCredentials(c)
}

func (a *api) adminRemoveCredentials(c fiber.Ctx) error {
	return a.agentRemoveCredentials(c)
}

// --- Executions and stats ---

func (a *api) adminListExecutions(c fiber.Ctx) error {
	recs, err := a.execs.List(execution.Filter{
		ProfileID: c.Query("profile_id"),
		Status:    c.Query("status"),
		Limit:     queryInt(c, "limit"),
		Offset:    queryInt(c, "offset"),
	})
	if err != nil {
		return err
	}
	out := make([]adminExecutionJSON, 0, len(recs))
	for i := range recs {
		out = append(out, toAdminExecutionJSON(&recs[i]))
	}
	return c.JSON(fiber.Map{"executions": out})
}

func (a *api) adminStats(c fiber.Ctx) error {
	total, err := a.execs.Count()
	if err != nil {
		return err
	}
	profiles, err := a.profiles.List()
	if err != nil {
		return err
	}
	active := 0
	for i := range profiles {
		if profiles[i].Locked && !profiles[i].Revoked {
			active++
		}
	}
	creds, err := a.creds.List()
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"total_executions":   total,
		"active_profiles":    active,
		"stored_credentials": len(creds),
	})
}
