// SPDX-FileCopyrightText: (C) 2025 Qabel GmbH
// SPDX-License-Identifier: Apache 2.0

package db

import (
	"errors"
	"sort"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FindOrCreateIdentity looks up the identity for the public key, creating it
// if absent. Alias and drop URL are overwritten with the supplied values
// either way: once a request is authenticated, last writer wins.
//
// The identity row is locked for the rest of the transaction so concurrent
// commits against the same identity serialize.
func FindOrCreateIdentity(tx *gorm.DB, publicKey, alias, dropURL string) (*Identity, error) {
	// Row-level lock so concurrent commits against the same identity
	// serialize. SQLite has no FOR UPDATE; its writer lock covers this.
	q := tx
	if tx.Dialector.Name() == "postgres" {
		q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var identity Identity
	err := q.Where("public_key = ?", publicKey).First(&identity).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		identity = Identity{PublicKey: publicKey, Alias: alias, DropURL: dropURL}
		if err := tx.Create(&identity).Error; err != nil {
			return nil, err
		}
		return &identity, nil
	case err != nil:
		return nil, err
	}
	identity.Alias = alias
	identity.DropURL = dropURL
	if err := tx.Save(&identity).Error; err != nil {
		return nil, err
	}
	return &identity, nil
}

// FindIdentity returns the identity for the public key, or nil if none exists.
func FindIdentity(tx *gorm.DB, publicKey string) (*Identity, error) {
	var identity Identity
	err := tx.Where("public_key = ?", publicKey).First(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &identity, nil
}

// UpsertEntry creates the (field, value) entry on the identity. An existing
// entry with the same field is replaced; an identical entry is left alone.
func UpsertEntry(tx *gorm.DB, identity *Identity, field, value string) error {
	var existing Entry
	err := tx.Where("identity_id = ? AND field = ?", identity.ID, field).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return tx.Create(&Entry{IdentityID: identity.ID, Field: field, Value: value}).Error
	case err != nil:
		return err
	}
	if existing.Value == value {
		return nil
	}
	existing.Value = value
	return tx.Save(&existing).Error
}

// DeleteEntry removes the identity's entry for the field, if present.
func DeleteEntry(tx *gorm.DB, identity *Identity, field string) error {
	return tx.Where("identity_id = ? AND field = ?", identity.ID, field).Delete(&Entry{}).Error
}

// DeleteIfGarbage cleans up the identity if no entries refer to it anymore.
func DeleteIfGarbage(tx *gorm.DB, identity *Identity) error {
	var count int64
	if err := tx.Model(&Entry{}).Where("identity_id = ?", identity.ID).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	return tx.Delete(identity).Error
}

// DeleteIdentity removes the identity for the public key and cascades to its
// entries. Reports whether an identity existed.
func DeleteIdentity(tx *gorm.DB, publicKey string) (bool, error) {
	identity, err := FindIdentity(tx, publicKey)
	if err != nil {
		return false, err
	}
	if identity == nil {
		return false, nil
	}
	if err := tx.Where("identity_id = ?", identity.ID).Delete(&Entry{}).Error; err != nil {
		return false, err
	}
	if err := tx.Delete(identity).Error; err != nil {
		return false, err
	}
	return true, nil
}

// Match is one queried (field, value) pair an identity satisfies.
type Match struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// SearchResult is an identity annotated with the queried pairs it matched.
type SearchResult struct {
	Identity Identity
	Matches  []Match
}

// Search returns every identity owning at least one entry matching at least
// one queried (field, value) pair. Matches are sorted by (field, value) and
// results by identity id, keeping responses deterministic.
func Search(tx *gorm.DB, queries map[string][]string) ([]SearchResult, error) {
	q := tx.Model(&Entry{}).Joins("Identity")
	cond := tx.Where("1 = 0")
	for field, values := range queries {
		if len(values) == 0 {
			continue
		}
		cond = cond.Or(tx.Where("entries.field = ? AND entries.value IN ?", field, values))
	}
	var entries []Entry
	if err := q.Where(cond).Find(&entries).Error; err != nil {
		return nil, err
	}

	byIdentity := make(map[uint]*SearchResult)
	for _, entry := range entries {
		result, ok := byIdentity[entry.IdentityID]
		if !ok {
			identity := entry.Identity
			result = &SearchResult{Identity: identity}
			byIdentity[entry.IdentityID] = result
		}
		result.Matches = append(result.Matches, Match{Field: entry.Field, Value: entry.Value})
	}

	results := make([]SearchResult, 0, len(byIdentity))
	for _, result := range byIdentity {
		sort.Slice(result.Matches, func(i, j int) bool {
			if result.Matches[i].Field != result.Matches[j].Field {
				return result.Matches[i].Field < result.Matches[j].Field
			}
			return result.Matches[i].Value < result.Matches[j].Value
		})
		results = append(results, *result)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Identity.ID < results[j].Identity.ID
	})
	return results, nil
}
