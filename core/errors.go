package core

import "errors"

var (
	ErrNoProviders    = errors.New("no providers configured")
	ErrNoKeysIssued   = errors.New("key source returned no keys")
	ErrKeyFetchStatus = errors.New("key source returned non-2xx status")
	ErrKeyFetchFailed = errors.New("key source reported failure")
	ErrCallTimedOut   = errors.New("call timed out")
	ErrEmptyResult    = errors.New("empty result")
)
