package models

import (
	"fmt"
	"time"

	"github.com/matgo18/TheyMissYou/internal/docstore"
)

// User represents a user profile
type User struct {
	ID                string    `json:"id"`
	Email             string    `json:"email"`
	Username          string    `json:"username"`
	CreatedAt         time.Time `json:"createdAt"`
	Bio               *string   `json:"bio,omitempty"`
	ProfileImageURL   *string   `json:"profileImageUrl,omitempty"`
	Latitude          *float64  `json:"latitude,omitempty"`
	Longitude         *float64  `json:"longitude,omitempty"`
	PostIDs           []string  `json:"postIds"`
	PushToken         *string   `json:"pushToken,omitempty"`
	ReminderFrequency *int      `json:"reminderFrequency,omitempty"`
}

// HasLocation reports whether both coordinates are set
func (u *User) HasLocation() bool {
	return u.Latitude != nil && u.Longitude != nil
}

// Group represents a group of users sharing posts
type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
	MemberIDs []string  `json:"memberIds"`
}

// HasMember reports whether userID is in the member list
func (g *Group) HasMember(userID string) bool {
	for _, id := range g.MemberIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Post represents a shared photo
type Post struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	ImageFilename string    `json:"imageFilename"`
	Caption       string    `json:"caption"`
	CreatedAt     time.Time `json:"createdAt"`
	Likes         int       `json:"likes"`
	// Username is filled from the author's profile when a feed is composed
	Username string `json:"username,omitempty"`
}

// ToRecord converts the user into a store document
func (u *User) ToRecord() (docstore.Document, error) {
	clone := *u
	if clone.PostIDs == nil {
		clone.PostIDs = []string{}
	}
	return docstore.Encode(&clone)
}

// UserFromRecord builds a user from a store document
func UserFromRecord(doc docstore.Document) (*User, error) {
	var user User
	if err := fromRecord(doc, &user); err != nil {
		return nil, err
	}
	if user.PostIDs == nil {
		user.PostIDs = []string{}
	}
	return &user, nil
}

// ToRecord converts the group into a store document
func (g *Group) ToRecord() (docstore.Document, error) {
	clone := *g
	if clone.MemberIDs == nil {
		clone.MemberIDs = []string{}
	}
	return docstore.Encode(&clone)
}

// GroupFromRecord builds a group from a store document
func GroupFromRecord(doc docstore.Document) (*Group, error) {
	var group Group
	if err := fromRecord(doc, &group); err != nil {
		return nil, err
	}
	if group.MemberIDs == nil {
		group.MemberIDs = []string{}
	}
	return &group, nil
}

// ToRecord converts the post into a store document; Username is not persisted
func (p *Post) ToRecord() (docstore.Document, error) {
	doc, err := docstore.Encode(p)
	if err != nil {
		return nil, err
	}
	delete(doc, "username")
	return doc, nil
}

// PostFromRecord builds a post from a store document
func PostFromRecord(doc docstore.Document) (*Post, error) {
	var post Post
	if err := fromRecord(doc, &post); err != nil {
		return nil, err
	}
	post.Username = ""
	return &post, nil
}

func fromRecord(doc docstore.Document, v any) error {
	if doc == nil {
		return fmt.Errorf("record is empty")
	}
	if doc.String("id") == "" {
		return fmt.Errorf("record has no id")
	}
	return doc.Decode(v)
}
