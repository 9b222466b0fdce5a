package intake

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedPayload marks a webhook body that is not a push event.
var ErrMalformedPayload = errors.New("malformed payload")

// PushEvent is the normalized form of a repository push notification.
type PushEvent struct {
	Repository string
	Branch     string
	CommitSHA  string
	Signature  string // shared token, only used when the body is not HMAC-signed
}

// wirePayload accepts the flat keelci shape and the GitHub push shape.
type wirePayload struct {
	Repository json.RawMessage `json:"repository"`
	Branch     string          `json:"branch"`
	CommitSHA  string          `json:"commitSha"`
	Signature  string          `json:"signature"`

	Ref   string `json:"ref"`
	After string `json:"after"`
}

type githubRepository struct {
	FullName string `json:"full_name"`
}

// ParsePushEvent decodes a webhook body.
func ParsePushEvent(body []byte) (PushEvent, error) {
	ev, err := decodePush(body)
	if err != nil {
		return PushEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return ev, nil
}

func decodePush(body []byte) (PushEvent, error) {
	var p wirePayload
	if err := json.Unmarshal(body, &p); err != nil {
		return PushEvent{}, fmt.Errorf("decoding payload: %w", err)
	}

	ev := PushEvent{Branch: p.Branch, CommitSHA: p.CommitSHA, Signature: p.Signature}
	if len(p.Repository) > 0 {
		var name string
		if err := json.Unmarshal(p.Repository, &name); err == nil {
			ev.Repository = name
		} else {
			var repo githubRepository
			if err := json.Unmarshal(p.Repository, &repo); err != nil {
				return PushEvent{}, fmt.Errorf("decoding repository: %w", err)
			}
			ev.Repository = repo.FullName
		}
	}
	if ev.Branch == "" && p.Ref != "" {
		if !strings.HasPrefix(p.Ref, "refs/heads/") {
			return PushEvent{}, fmt.Errorf("ref %q is not a branch", p.Ref)
		}
		ev.Branch = strings.TrimPrefix(p.Ref, "refs/heads/")
	}
	if ev.CommitSHA == "" {
		ev.CommitSHA = p.After
	}

	if ev.Repository == "" {
		return PushEvent{}, errors.New("payload has no repository")
	}
	if ev.Branch == "" {
		return PushEvent{}, errors.New("payload has no branch")
	}
	return ev, nil
}
