package domain

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// injectionPatterns catches the same class of foreign-object fragments the
// teacher's query validator rejects, reused here against job source strings
// before a job row is created.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(DROP|DELETE|INSERT|UPDATE|ALTER|EXEC|UNION)\b.*\b(TABLE|FROM|INTO|SELECT|SET)\b`),
	regexp.MustCompile(`(?i)(--|;)\s*(DROP|DELETE|SELECT)`),
}

// ValidateEnqueue checks an ingest request before a Job row is created.
// Input-reject failures (spec §7) are reported synchronously and never
// consume credits.
func ValidateEnqueue(tenant, source string, mode Mode, settings JobSettings) error {
	if tenant == "" {
		return NewValidationError("tenant", tenant, ErrInvalidSource)
	}
	if !ValidModes[mode] {
		return NewValidationError("mode", string(mode), ErrInvalidMode)
	}
	if err := ValidateSource(source); err != nil {
		return err
	}
	return nil
}

// ValidateSource accepts either a well-formed http(s) URL or a non-empty
// local path, and rejects injection-shaped strings in either case.
func ValidateSource(source string) error {
	trimmed := strings.TrimSpace(source)
	if trimmed == "" {
		return NewValidationError("source", source, ErrInvalidSource)
	}
	for _, pat := range injectionPatterns {
		if pat.MatchString(trimmed) {
			return NewValidationError("source", trimmed, ErrInvalidSource)
		}
	}
	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		u, err := url.Parse(trimmed)
		if err != nil || u.Host == "" {
			return NewValidationError("source", trimmed, ErrInvalidSource)
		}
	}
	return nil
}

// RequireCredentials fails fast (input-reject, spec §7) when a provider
// credential the settings name is absent from the resolved configuration.
func RequireCredentials(provider string, have map[string]string) error {
	if provider == "" {
		return nil
	}
	if v, ok := have[provider]; !ok || v == "" {
		return fmt.Errorf("%w: %s", ErrMissingCredential, provider)
	}
	return nil
}
