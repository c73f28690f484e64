package flow

import "strings"

// MaskSecrets replaces every occurrence of the given secret values in text
// with a masked form. Secrets of eight or more characters keep their last
// four characters preceded by asterisks; shorter secrets are fully masked.
//
// Every error message assembled from upstream (adapter) text must pass
// through this filter before being stored in a typed error, so that secret
// values never leak into run records, events, or provenance.
func MaskSecrets(text string, secrets map[string]string) string {
	for _, value := range secrets {
		if value == "" {
			continue
		}
		text = strings.ReplaceAll(text, value, maskValue(value))
	}
	return text
}

func maskValue(value string) string {
	if len(value) < 8 {
		return "********"
	}
	return "****" + value[len(value)-4:]
}

// maskDetails applies MaskSecrets to every string value in a details map,
// returning a new map. Non-string values are copied through unchanged.
func maskDetails(details map[string]any, secrets map[string]string) map[string]any {
	if details == nil {
		return nil
	}
	masked := make(map[string]any, len(details))
	for k, v := range details {
		if s, ok := v.(string); ok {
			masked[k] = MaskSecrets(s, secrets)
		} else {
			masked[k] = v
		}
	}
	return masked
}
