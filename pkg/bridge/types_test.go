package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDisplayNamePrecedence(t *testing.T) {
	full := &UserInfo{
		ID:        "42",
		FirstName: "Ada",
		LastName:  "Lovelace",
		Username:  "ada",
		Email:     "ada@example.com",
	}
	assert.Equal(t, "ada", full.DisplayName())

	noUsername := &UserInfo{ID: "42", FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com"}
	assert.Equal(t, "Ada Lovelace", noUsername.DisplayName())

	firstOnly := &UserInfo{ID: "42", FirstName: "Ada"}
	assert.Equal(t, "Ada", firstOnly.DisplayName())

	emailOnly := &UserInfo{ID: "42", Email: "ada@example.com"}
	assert.Equal(t, "ada@example.com", emailOnly.DisplayName())

	bare := &UserInfo{ID: "42"}
	assert.Equal(t, "User 42", bare.DisplayName())

	var nilUser *UserInfo
	assert.Equal(t, "", nilUser.DisplayName())
}

func TestUserInfoMerge(t *testing.T) {
	u := &UserInfo{ID: "1", Username: "old"}
	u.Merge(&UserInfo{ID: "1", FirstName: "New", IsBot: true})
	assert.Equal(t, "old", u.Username)
	assert.Equal(t, "New", u.FirstName)
	assert.True(t, u.IsBot)

	// Empty fields never erase known ones.
	u.Merge(&UserInfo{ID: "1"})
	assert.Equal(t, "old", u.Username)
	assert.Equal(t, "New", u.FirstName)
}

func TestAttachmentTypeForFilename(t *testing.T) {
	cases := map[string]AttachmentType{
		"photo.JPG":    AttachmentImage,
		"clip.webm":    AttachmentVideo,
		"voice.ogg":    AttachmentAudio,
		"report.pdf":   AttachmentDocument,
		"backup.tar":   AttachmentArchive,
		"mystery.xyz":  AttachmentOther,
		"no-extension": AttachmentOther,
	}
	for name, want := range cases {
		assert.Equal(t, want, AttachmentTypeForFilename(name), name)
	}
}

func TestNewCachedMessageValidation(t *testing.T) {
	_, err := NewCachedMessage("", "c1", 1)
	assert.Error(t, err)
	_, err = NewCachedMessage("m1", "", 1)
	assert.Error(t, err)
	_, err = NewCachedMessage("m1", "c1", 0)
	assert.Error(t, err)

	msg, err := NewCachedMessage("m1", "c1", 1000)
	assert.NoError(t, err)
	assert.NotNil(t, msg.Reactions)
}

func TestCachedMessageClone(t *testing.T) {
	msg, _ := NewCachedMessage("m1", "c1", 1000)
	msg.Reactions["thumbs_up"] = 2
	msg.AttachmentIDs = []string{"a1"}

	clone := msg.Clone()
	clone.Reactions["thumbs_up"] = 5
	clone.AttachmentIDs[0] = "changed"

	assert.Equal(t, 2, msg.Reactions["thumbs_up"])
	assert.Equal(t, "a1", msg.AttachmentIDs[0])
}
