package command

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bors-rs/bors/internal/pr"
)

func TestParseRecognizesSynonyms(t *testing.T) {
	cases := []struct {
		body string
		want Command
	}{
		{"bors merge", Command{Name: Land}},
		{"bors land", Command{Name: Land}},
		{"bors try", Command{Name: Canary}},
		{"bors canary", Command{Name: Canary}},
		{"bors stop", Command{Name: Cancel}},
		{"bors cancel", Command{Name: Cancel}},
		{"bors cherry-pick release-1.2", Command{Name: CherryPick, Target: "release-1.2"}},
		{"bors priority high", Command{Name: SetPriority, Priority: pr.PriorityHigh}},
		{"bors p low", Command{Name: SetPriority, Priority: pr.PriorityLow}},
		{"bors help", Command{Name: Help}},
		{"/land", Command{Name: Land}},
		{"/cancel", Command{Name: Cancel}},
		{"/cherry-pick release-1.2", Command{Name: CherryPick, Target: "release-1.2"}},
	}

	for _, tc := range cases {
		got, ok := Parse(tc.body)
		assert.True(t, ok, tc.body)
		assert.Equal(t, tc.want, got, tc.body)
	}
}

func TestParseIgnoresUnrelatedComments(t *testing.T) {
	_, ok := Parse("thanks for the review, looks good!")
	assert.False(t, ok)
}

func TestParseFindsTriggerLineAmongOthers(t *testing.T) {
	body := "LGTM, nice work\nbors land\nwill merge soon"
	got, ok := Parse(body)
	assert.True(t, ok)
	assert.Equal(t, Command{Name: Land}, got)
}

func TestParseRejectsUnknownPriority(t *testing.T) {
	_, ok := Parse("bors priority urgent")
	assert.False(t, ok)
}
