package services

import "errors"

var (
	ErrNotAuthenticated       = errors.New("not authenticated")
	ErrUserNotFound           = errors.New("user not found")
	ErrGroupNotFound          = errors.New("group not found")
	ErrPostNotFound           = errors.New("post not found")
	ErrAlreadyMember          = errors.New("user is already a member of this group")
	ErrNotMember              = errors.New("user is not a member of this group")
	ErrSoleCreatorCannotLeave = errors.New("the creator cannot leave a group without other members, delete it instead")
	ErrNotGroupCreator        = errors.New("only the group creator can do this")
	ErrNotPostOwner           = errors.New("only the post owner can do this")
	ErrUsernameTaken          = errors.New("username is already taken")
	ErrInvalidInput           = errors.New("invalid input")
	ErrFeedNotOpen            = errors.New("feed is not open")
)

// RegistrationError reports a registration that failed after validation
type RegistrationError struct {
	Reason string
	Err    error
}

func (e *RegistrationError) Error() string {
	return "registration failed: " + e.Reason
}

func (e *RegistrationError) Unwrap() error {
	return e.Err
}

// LoginError reports a failed sign in
type LoginError struct {
	Reason string
	Err    error
}

func (e *LoginError) Error() string {
	return "login failed: " + e.Reason
}

func (e *LoginError) Unwrap() error {
	return e.Err
}
