package smstext

import (
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// DefaultRegion is the region assumed for numbers without a country prefix.
const DefaultRegion = "AU"

// NormalizePhone parses a raw phone number and returns it in E.164 form.
// Contacts are unique per tenant by this normalized form, and DNC lookups
// key on it, so every phone entering the system passes through here.
func NormalizePhone(raw, region string) (string, error) {
	if region == "" {
		region = DefaultRegion
	}

	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, raw)

	num, err := phonenumbers.Parse(cleaned, region)
	if err != nil {
		return "", fmt.Errorf("parse phone %q: %w", raw, err)
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", fmt.Errorf("invalid phone number %q", raw)
	}

	return phonenumbers.Format(num, phonenumbers.E164), nil
}
