package couch

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"

	"github.com/xkilldash9x/sag/internal/network"
)

// UserIDPrefix is the id prefix of user documents.
const UserIDPrefix = "org.couchdb.user:"

// Users manages user documents. The client is switched to the _users
// database unless one is already selected.
type Users struct {
	client *Client
}

// NewUsers wraps c.
func NewUsers(ctx context.Context, c *Client) (*Users, error) {
	if c.CurrentDatabase() == "" {
		if err := c.SetDatabase(ctx, "_users", false); err != nil {
			return nil, err
		}
	}
	return &Users{client: c}, nil
}

// CreateUser stores a new user document. name defaults to id.
func (u *Users) CreateUser(ctx context.Context, id, password, name string, roles []string) (*network.Response, error) {
	if id == "" {
		return nil, network.NewConfigError("invalid user id")
	}
	if password == "" {
		return nil, network.NewConfigError("invalid user password")
	}
	for i, role := range roles {
		if strings.TrimSpace(role) == "" {
			return nil, network.NewConfigError("invalid role at position %d", i)
		}
	}
	if name == "" {
		name = id
	}
	if roles == nil {
		roles = []string{}
	}

	docID := UserIDPrefix + id
	salt := u.MakeSalt()
	return u.client.Put(ctx, docID, map[string]any{
		"_id":          docID,
		"type":         "user",
		"name":         name,
		"roles":        roles,
		"password_sha": passwordSHA(password, salt),
		"salt":         salt,
	})
}

// GetUser fetches a user document. hasPrefix says id already carries
// UserIDPrefix.
func (u *Users) GetUser(ctx context.Context, id string, hasPrefix bool) (*network.Response, error) {
	if !hasPrefix {
		id = UserIDPrefix + id
	}
	return u.client.Get(ctx, "/"+id)
}

// ChangePassword sets a new salt and password hash on doc. When upload is
// true the document is saved and the server response returned.
func (u *Users) ChangePassword(ctx context.Context, doc map[string]any, newPassword string, upload bool) (map[string]any, *network.Response, error) {
	id, _ := doc["_id"].(string)
	if id == "" {
		return nil, nil, network.NewConfigError("document has no _id")
	}
	if s, _ := doc["salt"].(string); s == "" {
		return nil, nil, network.NewConfigError("document is not a user document")
	}
	if s, _ := doc["password_sha"].(string); s == "" {
		return nil, nil, network.NewConfigError("document is not a user document")
	}
	if newPassword == "" {
		return nil, nil, network.NewConfigError("empty passwords are not allowed")
	}

	salt := u.MakeSalt()
	doc["salt"] = salt
	doc["password_sha"] = passwordSHA(newPassword, salt)
	if !upload {
		return doc, nil, nil
	}
	resp, err := u.client.Put(ctx, id, doc)
	return doc, resp, err
}

// MakeSalt returns 32 random hex characters.
func (u *Users) MakeSalt() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

func passwordSHA(password, salt string) string {
	sum := sha1.Sum([]byte(password + salt))
	return hex.EncodeToString(sum[:])
}
