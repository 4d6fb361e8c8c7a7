package threading

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveThreadTag_UsesFirstReference(t *testing.T) {
	tag := ResolveThreadTag(HeaderChain{
		MessageID:  "<m3@x>",
		InReplyTo:  "<m2@x>",
		References: []string{"<m1@x>", "<m2@x>"},
	})
	assert.Equal(t, "<m1@x>", tag)
}

func TestResolveThreadTag_FallsBackToInReplyTo(t *testing.T) {
	tag := ResolveThreadTag(HeaderChain{MessageID: "<m2@x>", InReplyTo: "<m1@x>"})
	assert.Equal(t, "<m1@x>", tag)
}

func TestResolveThreadTag_FallsBackToOwnID(t *testing.T) {
	tag := ResolveThreadTag(HeaderChain{MessageID: "<m1@x>"})
	assert.Equal(t, "<m1@x>", tag)
}

func TestParseReferences_SplitsOnWhitespace(t *testing.T) {
	refs := ParseReferences("<a@x>  <b@x>\n<c@x>")
	assert.Equal(t, []string{"<a@x>", "<b@x>", "<c@x>"}, refs)
}

func TestParseReferences_EmptyInput(t *testing.T) {
	assert.Empty(t, ParseReferences("   "))
}

func TestMergeThreadTags_PrefersNonEmpty(t *testing.T) {
	assert.Equal(t, "<a@x>", MergeThreadTags("<a@x>", ""))
	assert.Equal(t, "<a@x>", MergeThreadTags("", "<a@x>"))
}

func TestMergeThreadTags_DeterministicRegardlessOfOrder(t *testing.T) {
	assert.Equal(t, MergeThreadTags("<a@x>", "<b@x>"), MergeThreadTags("<b@x>", "<a@x>"))
}
