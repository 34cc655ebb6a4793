// SPDX-FileCopyrightText: (C) 2025 Qabel GmbH
// SPDX-License-Identifier: Apache 2.0

package contact

import (
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
	"golang.org/x/text/language"
)

// NormalizePhoneNumber returns the number in ITU-T E.164 form. The fallback
// region (ISO 3166-1 alpha-2, e.g. "DE") supplies the country code for
// numbers written without one; it may be empty for fully qualified numbers.
func NormalizePhoneNumber(number, fallbackRegion string) (string, error) {
	parsed, err := phonenumbers.Parse(number, fallbackRegion)
	if err != nil {
		return "", fmt.Errorf("unable to parse phone number %q: %w", number, err)
	}
	return phonenumbers.Format(parsed, phonenumbers.E164), nil
}

// CountryCode returns the numeric country calling code of an E.164 number.
func CountryCode(e164 string) (int, error) {
	parsed, err := phonenumbers.Parse(e164, "")
	if err != nil {
		return 0, fmt.Errorf("unable to parse phone number %q: %w", e164, err)
	}
	return int(parsed.GetCountryCode()), nil
}

// RegionFromAcceptLanguage derives the fallback region from an
// Accept-Language header value ("de-de" -> "DE"). A first language without
// a region yields the region inferred from it ("en" -> "US"). The configured
// default applies when the header is absent or unparseable, or when no
// region can be inferred.
func RegionFromAcceptLanguage(header, defaultRegion string) string {
	if header == "" {
		return defaultRegion
	}
	tags, _, err := language.ParseAcceptLanguage(header)
	if err != nil || len(tags) == 0 {
		return defaultRegion
	}
	region, confidence := tags[0].Region()
	if confidence == language.No {
		return defaultRegion
	}
	return strings.ToUpper(region.String())
}
