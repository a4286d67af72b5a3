package bounce

import (
	"strings"

	"github.com/ignite/campaign-dispatch/internal/domain"
)

// SMTP reply codes with unambiguous meaning. Anything outside these sets is
// classified by reason text, defaulting to soft so unrecognized failures
// stay retryable.
var (
	hardCodes = map[int]bool{550: true, 551: true, 553: true, 554: true}
	softCodes = map[int]bool{421: true, 450: true, 451: true, 452: true}
)

var hardPhrases = []string{
	"user unknown",
	"no such user",
	"unknown user",
	"recipient rejected",
	"address rejected",
	"invalid recipient",
	"invalid address",
	"does not exist",
	"mailbox not found",
	"mailbox unavailable",
	"account disabled",
	"address no longer valid",
}

var softPhrases = []string{
	"mailbox full",
	"quota exceeded",
	"over quota",
	"try again later",
	"temporarily deferred",
	"temporary failure",
	"rate limited",
	"too many connections",
	"too many messages",
	"greylisted",
	"service unavailable",
	"connection timed out",
}

// Classify turns a transport error into a hard/soft classification. The
// result is deterministic for a given (code, message) pair.
func Classify(code int, message string) domain.BounceType {
	if hardCodes[code] {
		return domain.BounceHard
	}
	if softCodes[code] {
		return domain.BounceSoft
	}

	msg := strings.ToLower(message)
	for _, phrase := range hardPhrases {
		if strings.Contains(msg, phrase) {
			return domain.BounceHard
		}
	}
	for _, phrase := range softPhrases {
		if strings.Contains(msg, phrase) {
			return domain.BounceSoft
		}
	}
	return domain.BounceSoft
}
