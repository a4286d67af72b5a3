package bounce

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ignite/campaign-dispatch/internal/domain"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		message string
		want    domain.BounceType
	}{
		{"550 hard", 550, "", domain.BounceHard},
		{"551 hard", 551, "", domain.BounceHard},
		{"553 hard", 553, "", domain.BounceHard},
		{"554 hard", 554, "", domain.BounceHard},
		{"421 soft", 421, "", domain.BounceSoft},
		{"450 soft", 450, "", domain.BounceSoft},
		{"451 soft", 451, "", domain.BounceSoft},
		{"452 soft", 452, "", domain.BounceSoft},
		{"code wins over text", 550, "mailbox full", domain.BounceHard},
		{"user unknown phrase", 0, "smtp; User Unknown", domain.BounceHard},
		{"no such user phrase", 0, "No such user here", domain.BounceHard},
		{"invalid recipient phrase", 0, "5.1.1 invalid recipient", domain.BounceHard},
		{"mailbox full phrase", 0, "Mailbox full", domain.BounceSoft},
		{"try again later phrase", 0, "please try again later", domain.BounceSoft},
		{"greylisted phrase", 0, "4.7.1 greylisted, retry shortly", domain.BounceSoft},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.code, tt.message))
		})
	}
}

func TestClassifyDefaultsSoft(t *testing.T) {
	// Fail open toward retry for unrecognized codes and messages.
	assert.Equal(t, domain.BounceSoft, Classify(0, "something novel happened"))
	assert.Equal(t, domain.BounceSoft, Classify(599, ""))
}

func TestClassifyDeterministic(t *testing.T) {
	for i := 0; i < 10; i++ {
		assert.Equal(t, Classify(450, "x"), Classify(450, "x"))
		assert.Equal(t, Classify(0, "user unknown"), Classify(0, "user unknown"))
	}
}
