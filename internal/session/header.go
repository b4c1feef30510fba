package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dunglas/httpsfv"
)

// ClientHeader carries the session identity of a UI client.
const ClientHeader = "Cart-Client"

// ParseClientHeader extracts the client ID from a Cart-Client header.
// Format: guest="<uuid>" (RFC 8941 Dictionary). Other members and
// parameters are ignored.
func ParseClientHeader(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("empty Cart-Client header")
	}

	dict, err := httpsfv.UnmarshalDictionary([]string{header})
	if err != nil {
		return "", fmt.Errorf("invalid Cart-Client header: %w", err)
	}

	member, ok := dict.Get("guest")
	if !ok {
		return "", errors.New("guest key not found in Cart-Client header")
	}

	item, ok := member.(httpsfv.Item)
	if !ok {
		return "", errors.New("guest value must be an item")
	}

	id, ok := item.Value.(string)
	if !ok || id == "" {
		return "", errors.New("guest value must be a non-empty string")
	}

	return id, nil
}

// FormatClientHeader renders id as a Cart-Client header value.
func FormatClientHeader(id string) string {
	dict := httpsfv.NewDictionary()
	dict.Add("guest", httpsfv.NewItem(id))
	s, err := httpsfv.Marshal(dict)
	if err != nil {
		// Only reachable for ids with non-printable characters.
		return fmt.Sprintf("guest=%q", id)
	}
	return s
}
