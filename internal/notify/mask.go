// SPDX-License-Identifier: MIT

package notify

import (
	"net/url"
	"strings"
)

// MaskRecipient redacts a recipient for logs. Emails keep the first two
// characters and the domain, phone numbers keep the first and last three
// digits, webhook URLs keep the scheme and the edges of the host.
func MaskRecipient(channel, recipient string) string {
	switch channel {
	case ChannelEmail:
		return maskEmail(recipient)
	case ChannelSMS:
		return maskPhone(recipient)
	case ChannelWebhook:
		return maskURL(recipient)
	default:
		return "***"
	}
}

func maskEmail(addr string) string {
	local, domain, ok := strings.Cut(addr, "@")
	if !ok || len(local) < 2 {
		return "***"
	}
	return local[:2] + "***@" + domain
}

func maskPhone(number string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, number)
	if len(digits) <= 6 {
		return "***"
	}
	return digits[:3] + "***" + digits[len(digits)-3:]
}

func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	host := u.Host
	if len(host) <= 6 {
		host = "***"
	} else {
		host = host[:3] + "***" + host[len(host)-3:]
	}
	return u.Scheme + "://" + host + "/***"
}
