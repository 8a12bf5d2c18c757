package comments

import (
	"strings"

	"github.com/MarcoPoloResearchLab/onespark/backend/internal/contact"
)

const (
	maskRun             = "***"
	emailVisiblePrefix  = 3
	phoneVisiblePrefix  = 3
	phoneVisibleSuffix  = 4
	phoneFullMaskLength = 6
)

// Mask hides most of a contact value for public display.
//
// Emails keep the first three characters of the local part (one when the local
// part is three characters or shorter) followed by *** and the domain. Phone
// numbers keep the first three and last four characters and replace every digit
// in between with *; values of six characters or fewer have every digit replaced.
func Mask(value string, method contact.Method) string {
	if method == contact.MethodEmail {
		return maskEmail(value)
	}
	return maskPhone(value)
}

func maskEmail(value string) string {
	local, domain, found := strings.Cut(value, "@")
	runes := []rune(local)
	visible := emailVisiblePrefix
	if len(runes) <= emailVisiblePrefix {
		visible = 1
	}
	if len(runes) < visible {
		visible = len(runes)
	}
	masked := string(runes[:visible]) + maskRun
	if !found {
		return masked
	}
	return masked + "@" + domain
}

func maskPhone(value string) string {
	if len(value) <= phoneFullMaskLength {
		return maskDigits(value)
	}
	head := value[:phoneVisiblePrefix]
	middle := value[phoneVisiblePrefix : len(value)-phoneVisibleSuffix]
	tail := value[len(value)-phoneVisibleSuffix:]
	return head + maskDigits(middle) + tail
}

func maskDigits(value string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return '*'
		}
		return r
	}, value)
}
