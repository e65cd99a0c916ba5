// Package identity carries the user identity threaded through the
// collaboration channels. Identity is always passed in explicitly at
// session open; leaf components never read it from ambient state.
package identity

import (
	"fmt"

	"github.com/google/uuid"
)

// Identity describes one participant as advertised to peers.
type Identity struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Color string `json:"color"`
}

// palette of cursor colors assigned to participants. Stable per identity:
// the same ID always maps to the same color.
var palette = []string{
	"#e06c75", "#61afef", "#98c379", "#c678dd",
	"#d19a66", "#56b6c2", "#be5046", "#528bff",
}

// Anonymous synthesizes a random identity for clients with no session user.
func Anonymous() Identity {
	id := uuid.NewString()
	return Identity{
		ID:    id,
		Name:  "Anonymous " + id[:4],
		Email: "",
		Color: ColorFor(id),
	}
}

// Normalize fills in missing fields so downstream code never sees an
// identity without an ID or color.
func Normalize(ident Identity) Identity {
	if ident.ID == "" {
		return Anonymous()
	}
	if ident.Name == "" {
		ident.Name = fmt.Sprintf("User %s", shortID(ident.ID))
	}
	if ident.Color == "" {
		ident.Color = ColorFor(ident.ID)
	}
	return ident
}

// ColorFor deterministically picks a palette color for an identity ID.
func ColorFor(id string) string {
	var sum int
	for _, c := range id {
		sum += int(c)
	}
	return palette[sum%len(palette)]
}

func shortID(id string) string {
	if len(id) > 4 {
		return id[:4]
	}
	return id
}
