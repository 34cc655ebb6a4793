// SPDX-FileCopyrightText: (C) 2025 Qabel GmbH
// SPDX-License-Identifier: Apache 2.0

package engine

import (
	"sort"
	"strings"

	"gorm.io/gorm"

	"github.com/qabel/go-index-server/internal/db"
)

// SearchIdentity is one search result on the wire: the public triplet plus
// the queried pairs it matched.
type SearchIdentity struct {
	PublicKey string     `json:"public_key"`
	Alias     string     `json:"alias"`
	DropURL   string     `json:"drop_url"`
	Matches   []db.Match `json:"matches"`
}

// Search resolves exact-match queries against committed entries. Queried
// phone values pass through the same scrubber as on ingestion, so a caller
// may send a local number and still find its E.164 form. Pending entries are
// never surfaced.
func (e *Engine) Search(queries map[string][]string, region string) ([]SearchIdentity, error) {
	if len(queries) == 0 {
		return nil, invalid("No or unknown fields specified.")
	}
	scrubbed := make(map[string][]string, len(queries))
	for field, values := range queries {
		if !db.KnownFields[field] {
			return nil, invalid("No or unknown fields specified: %s", strings.Join(queryFields(queries), ", "))
		}
		for _, value := range values {
			if value == "" {
				return nil, invalid("Empty query value for field %q.", field)
			}
			canonical, err := scrubValue(field, value, region)
			if err != nil {
				return nil, err
			}
			scrubbed[field] = append(scrubbed[field], canonical)
		}
	}

	var results []db.SearchResult
	err := e.State.Transaction(func(tx *gorm.DB) error {
		var err error
		results, err = db.Search(tx, scrubbed)
		return err
	})
	if err != nil {
		return nil, err
	}

	identities := make([]SearchIdentity, 0, len(results))
	for _, result := range results {
		identities = append(identities, SearchIdentity{
			PublicKey: result.Identity.PublicKey,
			Alias:     result.Identity.Alias,
			DropURL:   result.Identity.DropURL,
			Matches:   result.Matches,
		})
	}
	return identities, nil
}

func queryFields(queries map[string][]string) []string {
	fields := make([]string, 0, len(queries))
	for field := range queries {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}
