package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"hushh/internal/db"
	"hushh/internal/domain"
	"hushh/internal/repo"
)

func tokenPurpose(runID string) string {
	return "run-tokens:" + runID
}

func (e *Engine) sealTokens(runID string, tokens map[domain.Scope]string) ([]byte, error) {
	if e.Cipher == nil {
		return nil, errors.New("workflow: token cipher not configured")
	}
	data, err := json.Marshal(tokens)
	if err != nil {
		return nil, fmt.Errorf("encode run tokens: %w", err)
	}
	return e.Cipher.SealBlob(tokenPurpose(runID), data)
}

func (e *Engine) openTokens(ctx context.Context, tx db.DBTX, runID string) (map[domain.Scope]string, error) {
	if e.Cipher == nil {
		return nil, errors.New("workflow: token cipher not configured")
	}
	sealed, err := e.Repo.SealedTokens(ctx, tx, runID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, notFound(runID)
	}
	if err != nil {
		return nil, err
	}
	data, err := e.Cipher.OpenBlob(tokenPurpose(runID), sealed)
	if err != nil {
		return nil, err
	}
	tokens := map[domain.Scope]string{}
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, domain.WrapError(domain.KindDecryption, err, "decode run tokens")
	}
	return tokens, nil
}

func secretsPurpose(runID string) string {
	return "run-secrets:" + runID
}

func (e *Engine) sealSecrets(runID string, secrets map[string]string) ([]byte, error) {
	if e.Cipher == nil {
		return nil, errors.New("workflow: token cipher not configured")
	}
	data, err := json.Marshal(secrets)
	if err != nil {
		return nil, fmt.Errorf("encode run secrets: %w", err)
	}
	return e.Cipher.SealBlob(secretsPurpose(runID), data)
}

// Reveal returns run with the credentials its execution produced merged into
// a copy of the result output. Runs that produced none come back unchanged.
func (e *Engine) Reveal(ctx context.Context, run domain.WorkflowRun) (domain.WorkflowRun, error) {
	if run.Result == nil || e.Cipher == nil {
		return run, nil
	}
	sealed, err := e.Repo.SealedSecrets(ctx, nil, run.RunID)
	if errors.Is(err, repo.ErrNotFound) {
		return run, notFound(run.RunID)
	}
	if err != nil || len(sealed) == 0 {
		return run, err
	}
	data, err := e.Cipher.OpenBlob(secretsPurpose(run.RunID), sealed)
	if err != nil {
		return run, err
	}
	secrets := map[string]string{}
	if err := json.Unmarshal(data, &secrets); err != nil {
		return run, domain.WrapError(domain.KindDecryption, err, "decode run secrets")
	}
	res := *run.Result
	res.Output = make(map[string]any, len(run.Result.Output)+len(secrets))
	for k, v := range run.Result.Output {
		res.Output[k] = v
	}
	for k, v := range secrets {
		res.Output[k] = v
	}
	run.Result = &res
	return run, nil
}
