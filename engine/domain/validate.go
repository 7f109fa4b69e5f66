package domain

import (
	"strings"
)

// ValidateEntry checks an IndexedEntry before it reaches a vector store.
func ValidateEntry(e IndexedEntry) error {
	if strings.TrimSpace(e.ID) == "" {
		return NewValidationError("id", e.ID, ErrMissingID)
	}
	if len(e.Vector) == 0 {
		return NewValidationError("embedding", e.ID, ErrEmptyVector)
	}
	if e.CollectionID() == "" {
		return NewValidationError(KeyCollectionID, e.ID, ErrMissingTenant)
	}
	return nil
}

// ValidateEntries checks a whole batch; the first failure is returned.
func ValidateEntries(entries []IndexedEntry) error {
	for _, e := range entries {
		if err := ValidateEntry(e); err != nil {
			return err
		}
	}
	return nil
}

// ValidateSearch checks the arguments of a tenant-scoped search.
func ValidateSearch(tenantID string, vector []float32) error {
	if strings.TrimSpace(tenantID) == "" {
		return NewValidationError(KeyCollectionID, tenantID, ErrMissingTenant)
	}
	if len(vector) == 0 {
		return NewValidationError("vector", "", ErrEmptyVector)
	}
	return nil
}

// ValidateQuestion rejects blank questions.
func ValidateQuestion(q string) error {
	if strings.TrimSpace(q) == "" {
		return NewValidationError("question", q, ErrEmptyQuestion)
	}
	return nil
}
