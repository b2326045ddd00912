package httpapi

import (
	"encoding/json"

	"github.com/airlock-sh/airlock/internal/credential"
	"github.com/airlock-sh/airlock/internal/execution"
	"github.com/airlock-sh/airlock/internal/profile"
)

// Wire types. Field names follow the documented API, not internal naming:
// the agent surface says value_exists where the admin surface says
// has_value.

type credentialRefJSON struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	ValueExists bool   `json:"value_exists"`
}

type profileJSON struct {
	ID          string              `json:"id"`
	Description string              `json:"description"`
	Locked      bool                `json:"locked"`
	KeyID       *string             `json:"key_id"`
	Key         string              `json:"key,omitempty"`
	Credentials []credentialRefJSON `json:"credentials"`
	ExpiresAt   *string             `json:"expires_at"`
	Revoked     bool                `json:"revoked"`
	CreatedAt   string              `json:"created_at"`
	UpdatedAt   *string             `json:"updated_at"`
}

func toProfileJSON(info *profile.Info) profileJSON {
	refs := make([]credentialRefJSON, 0, len(info.Credentials))
	for _, ref := range info.Credentials {
		refs = append(refs, credentialRefJSON{
			Name:        ref.Name,
			Description: ref.Description,
			ValueExists: ref.HasValue,
		})
	}
	return profileJSON{
		ID:          info.ID,
		Description: info.Description,
		Locked:      info.Locked,
		KeyID:       info.KeyID,
		Credentials: refs,
		ExpiresAt:   info.ExpiresAt,
		Revoked:     info.Revoked,
		CreatedAt:   info.CreatedAt,
		UpdatedAt:   info.UpdatedAt,
	}
}

// toLockedProfileJSON includes the full key. This is the only place the
// secret half crosses the wire, and it happens exactly once per mint.
func toLockedProfileJSON(res *profile.LockResult) profileJSON {
	out := toProfileJSON(res.Profile)
	out.Key = res.Key
	return out
}

type adminCredentialJSON struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	HasValue    bool    `json:"has_value"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   *string `json:"updated_at"`
}

func toAdminCredentialJSON(info *credential.Info) adminCredentialJSON {
	return adminCredentialJSON{
		Name:        info.Name,
		Description: info.Description,
		HasValue:    info.HasValue,
		CreatedAt:   info.CreatedAt,
		UpdatedAt:   info.UpdatedAt,
	}
}

type agentCredentialJSON struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	ValueExists bool   `json:"value_exists"`
}

type executionResultJSON struct {
	ExecutionID     string          `json:"execution_id"`
	Status          string          `json:"status"`
	Result          json.RawMessage `json:"result"`
	Stdout          string          `json:"stdout"`
	Stderr          string          `json:"stderr"`
	Error           *string         `json:"error"`
	LLMRequest      json.RawMessage `json:"llm_request,omitempty"`
	ExecutionTimeMS *int64          `json:"execution_time_ms"`
}

func toExecutionResultJSON(rec *execution.Record) executionResultJSON {
	return executionResultJSON{
		ExecutionID:     rec.ID,
		Status:          rec.Status,
		Result:          rec.Result,
		Stdout:          rec.Stdout,
		Stderr:          rec.Stderr,
		Error:           rec.Error,
		LLMRequest:      rec.LLMRequest,
		ExecutionTimeMS: rec.ExecutionTimeMS,
	}
}

type executionSummaryJSON struct {
	ExecutionID     string  `json:"execution_id"`
	Status          string  `json:"status"`
	ExecutionTimeMS *int64  `json:"execution_time_ms"`
	CreatedAt       string  `json:"created_at"`
	CompletedAt     *string `json:"completed_at"`
}

func toExecutionSummaryJSON(rec *execution.Record) executionSummaryJSON {
	return executionSummaryJSON{
		ExecutionID:     rec.ID,
		Status:          rec.Status,
		ExecutionTimeMS: rec.ExecutionTimeMS,
		CreatedAt:       rec.CreatedAt,
		CompletedAt:     rec.CompletedAt,
	}
}

// adminExecutionJSON is the admin detail view; unlike the agent views it
// includes the script and the owning profile.
type adminExecutionJSON struct {
	ExecutionID     string          `json:"execution_id"`
	ProfileID       string          `json:"profile_id"`
	Script          string          `json:"script"`
	Status          string          `json:"status"`
	Result          json.RawMessage `json:"result"`
	Stdout          string          `json:"stdout"`
	Stderr          string          `json:"stderr"`
	Error           *string         `json:"error"`
	ExecutionTimeMS *int64          `json:"execution_time_ms"`
	CreatedAt       string          `json:"created_at"`
	CompletedAt     *string         `json:"completed_at"`
}

func toAdminExecutionJSON(rec *execution.Record) adminExecutionJSON {
	return adminExecutionJSON{
		ExecutionID:     rec.ID,
		ProfileID:       rec.ProfileID,
		Script:          rec.Script,
		Status:          rec.Status,
		Result:          rec.Result,
		Stdout:          rec.Stdout,
		Stderr:          rec.Stderr,
		Error:           rec.Error,
		ExecutionTimeMS: rec.ExecutionTimeMS,
		CreatedAt:       rec.CreatedAt,
		CompletedAt:     rec.CompletedAt,
	}
}
