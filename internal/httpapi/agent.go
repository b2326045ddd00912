package httpapi

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/airlock-sh/airlock/internal/execution"
	"github.com/airlock-sh/airlock/internal/fault"
)

// Agent-facing handlers. The agent surface is deliberately narrow: it can
// create empty credential slots and unlocked profiles, but values, locking,
// and key handling stay admin-only.

func (a *api) agentListCredentials(c fiber.Ctx) error {
	infos, err := a.creds.List()
	if err != nil {
		return err
	}
	out := make([]agentCredentialJSON, 0, len(infos))
	for _, info := range infos {
		out = append(out, agentCredentialJSON{
			Name:        info.Name,
			Description: info.Description,
			ValueExists: info.HasValue,
		})
	}
	return c.JSON(fiber.Map{"credentials": out})
}

type agentCreateCredentialsRequest struct {
	Credentials []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	} `json:"credentials"`
}

// agentCreateCredentials creates value-less slots in batch. Existing names
// are skipped, not errors, so agents can re-declare their needs idempotently.
func (a *api) agentCreateCredentials(c fiber.Ctx) error {
	var req agentCreateCredentialsRequest
	if err := c.Bind().Body(&req); err != nil {
		return fault.Wrap(fault.Validation, err, "invalid request body")
	}

	created := []string{}
	skipped := []string{}
	for _, item := range req.Credentials {
		_, err := a.creds.Create(item.Name, item.Description, nil)
		switch {
		case err == nil:
			created = append(created, item.Name)
		case fault.IsKind(err, fault.Conflict):
			skipped = append(skipped, item.Name)
		default:
			return err
		}
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"created": created,
		"skipped": skipped,
	})
}

func (a *api) agentListProfiles(c fiber.Ctx) error {
	infos, err := a.profiles.List()
	if err != nil {
		return err
	}
	out := make([]profileJSON, 0, len(infos))
	for i := range infos {
		out = append(out, toProfileJSON(&infos[i]))
	}
	return c.JSON(fiber.Map{"profiles": out})
}

type createProfileRequest struct {
	Description string `json:"description"`
}

func (a *api) agentCreateProfile(c fiber.Ctx) error {
	var req createProfileRequest
	if err := c.Bind().Body(&req); err != nil {
		return fault.Wrap(fault.Validation, err, "invalid request body")
	}
	info, err := a.profiles.Create(req.Description)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(toProfileJSON(info))
}

func (a *api) agentGetProfile(c fiber.Ctx) error {
	info, err := a.profiles.Get(c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(toProfileJSON(info))
}

type profileCredentialsRequest struct {
	Credentials []string `json:"credentials"`
}

func (a *api) agentAddCredentials(c fiber.Ctx) error {
	var req profileCredentialsRequest
	if err := c.Bind().Body(&req); err != nil {
		return fault.Wrap(fault.Validation, err, "invalid request body")
	}
	info, err := a.profiles.AddCredentials(c.Params("id"), req.Credentials)
	if err != nil {
		return err
	}
	return c.JSON(toProfileJSON(info))
}

func (a *api) agentRemoveCredentials(c fiber.Ctx) error {
	var req profileCredentialsRequest
	if err := c.Bind().Body(&req); err != nil {
		return fault.Wrap(fault.Validation, err, "invalid request body")
	}
	info, err := a.profiles.RemoveCredentials(c.Params("id"), req.Credentials)
	if err != nil {
		return err
	}
	return c.JSON(toProfileJSON(info))
}

type executeRequest struct {
	Script  string `json:"script"`
	Hash    string `json:"hash"`
	Timeout int    `json:"timeout"`
}

// execute accepts a script for asynchronous execution. Auth is the profile
// key id as bearer; the body hash proves possession of the secret half and
// binds it to this exact script.
func (a *api) execute(c fiber.Ctx) error {
	identity, err := a.gateway.RequireProfile(bearerToken(c))
	if err != nil {
		return err
	}

	var req executeRequest
	if err := c.Bind().Body(&req); err != nil {
		return fault.Wrap(fault.Validation, err, "invalid request body")
	}

	if err := a.gateway.VerifyScript(identity, req.Script, req.Hash); err != nil {
		return err
	}

	rec, err := a.dispatcher.Submit(c.RequestCtx(), identity.ProfileID, req.Script, req.Timeout)
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"execution_id": rec.ID,
		"poll_url":     "/executions/" + rec.ID,
		"status":       rec.Status,
	})
}

// listExecutions returns summaries for the authenticated profile only.
func (a *api) listExecutions(c fiber.Ctx) error {
	identity, err := a.gateway.RequireProfile(bearerToken(c))
	if err != nil {
		return err
	}

	recs, err := a.execs.List(execution.Filter{
		ProfileID: identity.ProfileID,
		Status:    c.Query("status"),
		Limit:     queryInt(c, "limit"),
		Offset:    queryInt(c, "offset"),
	})
	if err != nil {
		return err
	}

	out := make([]executionSummaryJSON, 0, len(recs))
	for i := range recs {
		out = append(out, toExecutionSummaryJSON(&recs[i]))
	}
	return c.JSON(fiber.Map{"executions": out})
}

func (a *api) getExecution(c fiber.Ctx) error {
	rec, err := a.execs.Get(c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(toExecutionResultJSON(rec))
}

type llmResponseRequest struct {
	Response string `json:"response"`
}

func (a *api) respondExecution(c fiber.Ctx) error {
	var req llmResponseRequest
	if err := c.Bind().Body(&req); err != nil {
		return fault.Wrap(fault.Validation, err, "invalid request body")
	}
	rec, err := a.dispatcher.Respond(c.Params("id"), req.Response)
	if err != nil {
		return err
	}
	return c.JSON(toExecutionResultJSON(rec))
}

// skillDoc renders the agent-facing usage document, including the currently
// available locked profiles.
func (a *api) skillDoc(c fiber.Ctx) error {
	var b strings.Builder
	b.WriteString(`# Airlock: Code Execution Service

## Overview
Airlock executes Python scripts with access to configured credentials.

## Authentication
Use a profile key of the form ` + "`ark_ID:SECRET`" + ` for execution.
Send the key id in the ` + "`Authorization: Bearer ark_...`" + ` header.
Send HMAC-SHA256(secret, script) as the ` + "`hash`" + ` field in the request body.

## Endpoints

- ` + "`POST /execute`" + `: submit a script for execution (bearer auth + HMAC)
- ` + "`GET /executions/{id}`" + `: poll execution status
- ` + "`POST /executions/{id}/respond`" + `: provide an LLM response
- ` + "`GET /profiles`" + `: list all profiles
- ` + "`POST /profiles`" + `: create a new profile
- ` + "`GET /credentials`" + `: list all credentials

## Available Profiles
`)

	infos, err := a.profiles.List()
	if err != nil {
		return err
	}
	usable := 0
	for i := range infos {
		p := &infos[i]
		if !p.Locked || p.Revoked {
			continue
		}
		usable++
		b.WriteString("- `" + p.ID + "`")
		if p.Description != "" {
			b.WriteString(": " + p.Description)
		}
		b.WriteString("\n")
	}
	if usable == 0 {
		b.WriteString("No profiles configured yet. Ask your admin to set one up.\n")
	}

	c.Set("Content-Type", "text/markdown; charset=utf-8")
	return c.SendString(b.String())
}

// queryInt parses an integer query parameter, zero when absent or garbage.
func queryInt(c fiber.Ctx, name string) int {
	raw := c.Query(name)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}
