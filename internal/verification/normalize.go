package verification

import (
	"strings"
	"unicode"

	"github.com/asaskevich/govalidator"

	"attestor/internal/models"
)

// rejection explains to the user why a result did not pass, with a hint on
// whether retrying can help.
type rejection struct {
	reason    string
	retryable bool
}

// normalize turns a verified vendor result into an attestable profile, or a
// rejection when the extracted data cannot back a claim. The liveness check
// gates everything: a genuine document presented by someone else must never
// become an attestation.
func normalize(res Result) (models.Profile, *rejection) {
	if !res.LivenessPassed {
		reason := strings.TrimSpace(res.LivenessReason)
		if reason == "" {
			reason = "your live photo could not be matched to the document"
		}
		return models.Profile{}, &rejection{reason: reason, retryable: true}
	}
	p := models.Profile{
		FirstName: cleanName(res.FirstName),
		LastName:  cleanName(res.LastName),
		DOB:       strings.TrimSpace(res.DOB),
		Country:   alpha3ToAlpha2(strings.TrimSpace(res.Country)),
		USState:   strings.TrimSpace(res.USState),
		IDNumber:  strings.TrimSpace(res.IDNumber),
		IDType:    strings.TrimSpace(res.IDType),
		IDSubtype: strings.TrimSpace(res.IDSubtype),
	}

	if p.FirstName == "" || p.LastName == "" || p.DOB == "" {
		return models.Profile{}, &rejection{
			reason:    "the document did not yield your full name and date of birth",
			retryable: true,
		}
	}
	if !isLatin(p.FirstName) || !isLatin(p.LastName) {
		r := &rejection{
			reason:    "your name could not be read in Latin letters",
			retryable: true,
		}
		// Russian domestic passports never carry a Latin transcription.
		if res.Country == "RUS" && res.IDType == "ID_CARD" {
			r.reason = "domestic Russian passports carry no Latin name; please verify with an international passport"
		}
		return models.Profile{}, r
	}
	return p, nil
}

// cleanName trims a vendor name field and drops the N/A placeholders some
// vendors emit for unreadable fields.
func cleanName(s string) string {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "N/A") {
		return ""
	}
	return s
}

// isLatin reports whether every letter in s is from the Latin script.
// Punctuation and spaces inside names are fine.
func isLatin(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) && !unicode.Is(unicode.Latin, r) {
			return false
		}
	}
	return true
}

// alpha3ToAlpha2 converts an ISO-3166 alpha-3 country code to alpha-2,
// passing through anything it cannot map.
func alpha3ToAlpha2(code string) string {
	if len(code) != 3 {
		return code
	}
	for _, entry := range govalidator.ISO3166List {
		if entry.Alpha3Code == code {
			return entry.Alpha2Code
		}
	}
	return code
}
