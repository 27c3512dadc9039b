package slack

import "testing"

func TestUserClassifier_SafeWinsOverConcerned(t *testing.T) {
	c := NewUserClassifier([]string{"U1"}, nil, nil, []string{"U1"}, nil)
	if got := c.Classify(Author{UserID: "U1"}); got != ClassSafe {
		t.Errorf("Classify() = %v, want safe", got)
	}
}

func TestUserClassifier_EmailDomain(t *testing.T) {
	c := NewUserClassifier(nil, nil, []string{"example.com"}, nil, nil)
	if got := c.Classify(Author{Email: "alice@example.com"}); got != ClassSafe {
		t.Errorf("Classify() = %v, want safe", got)
	}
	if got := c.Classify(Author{Email: "alice@other.com"}); got != ClassUnknown {
		t.Errorf("Classify() = %v, want unknown", got)
	}
}

func TestUserClassifier_Concerned(t *testing.T) {
	c := NewUserClassifier(nil, nil, nil, nil, []string{"suspicious"})
	if got := c.Classify(Author{Handle: "Suspicious"}); got != ClassConcerned {
		t.Errorf("Classify() = %v, want concerned (case-insensitive handle)", got)
	}
}

func TestDecide_DeniedChannelAlwaysIgnores(t *testing.T) {
	got := Decide(MessageContext{Classification: ClassSafe, ChannelAllowsAutoResponse: true, ChannelDenied: true})
	if got != DecisionIgnore {
		t.Errorf("Decide() = %v, want ignore", got)
	}
}

func TestDecide_SafeWithoutAutoResponseChannelIgnores(t *testing.T) {
	got := Decide(MessageContext{Classification: ClassSafe, ChannelAllowsAutoResponse: false})
	if got != DecisionIgnore {
		t.Errorf("Decide() = %v, want ignore", got)
	}
}

func TestDecide_ConcernedAlwaysQueues(t *testing.T) {
	got := Decide(MessageContext{Classification: ClassConcerned, ChannelAllowsAutoResponse: true})
	if got != DecisionQueue {
		t.Errorf("Decide() = %v, want queue", got)
	}
}

func TestChannelPermissions_EmptyAllowListDeniesAutoResponse(t *testing.T) {
	p := NewChannelPermissions(nil, nil)
	if p.AllowsAutoResponse("C1") {
		t.Error("AllowsAutoResponse() = true, want false with empty allow-list")
	}
}
