package model

import "errors"

var (
	ErrUnknownProfile = errors.New("unknown model profile")
	ErrInvalidProfile = errors.New("invalid model profile")
)
