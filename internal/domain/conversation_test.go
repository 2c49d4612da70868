package domain

import "testing"

func groupConv() *Conversation {
	return &Conversation{
		ID:      "c1",
		Type:    ConversationGroup,
		OwnerID: "alice",
		Participants: []Participant{
			{Identity: "alice", Role: RoleOwner},
			{Identity: "bob", Role: RoleAdmin},
			{Identity: "carol", Role: RoleMember},
		},
	}
}

func TestCanPostGroup(t *testing.T) {
	c := groupConv()
	for _, id := range []string{"alice", "bob", "carol"} {
		if !c.CanPost(id) {
			t.Errorf("participant %s should be able to post", id)
		}
	}
	if c.CanPost("mallory") {
		t.Error("non-participant should not be able to post")
	}
}

func TestCanPostBroadcastOwnerOnly(t *testing.T) {
	c := groupConv()
	c.Type = ConversationBroadcast
	if !c.CanPost("alice") {
		t.Error("broadcast owner should be able to post")
	}
	if c.CanPost("bob") {
		t.Error("broadcast non-owner should not be able to post, even an admin")
	}
}

func TestCanAdminister(t *testing.T) {
	c := groupConv()
	if !c.CanAdminister("alice") || !c.CanAdminister("bob") {
		t.Error("owner and admin should both administer")
	}
	if c.CanAdminister("carol") {
		t.Error("member should not administer")
	}
	if c.CanAdminister("mallory") {
		t.Error("outsider should not administer")
	}
}

func TestAdminCount(t *testing.T) {
	c := groupConv()
	if got := c.AdminCount(); got != 2 {
		t.Fatalf("AdminCount = %d, want 2", got)
	}
}

func TestFileCanTransition(t *testing.T) {
	cases := []struct {
		from, to FileStatus
		want     bool
	}{
		{FileUploading, FileProcessing, true},
		{FileProcessing, FileCompleted, true},
		{FileUploading, FileFailed, true},
		{FileCompleted, FileDeleted, true},
		{FileCompleted, FileProcessing, false},
		{FileDeleted, FileUploading, false},
		{FileFailed, FileCompleted, false},
	}
	for _, c := range cases {
		if got := FileCanTransition(c.from, c.to); got != c.want {
			t.Errorf("FileCanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}
