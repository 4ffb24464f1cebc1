package main

import (
	"strconv"
	"time"
)

// Nullable flag values remember whether they were set, so command-line
// values can take precedence over profile values and defaults.

type nullableUint64 struct {
	val *uint64
}

func (n *nullableUint64) String() string {
	if n.val == nil {
		return "nil"
	}
	return strconv.FormatUint(*n.val, decBase)
}

func (n *nullableUint64) Set(value string) error {
	res, err := strconv.ParseUint(value, decBase, 64)
	if err != nil {
		return err
	}
	n.val = &res
	return nil
}

type nullableInt64 struct {
	val *int64
}

func (n *nullableInt64) String() string {
	if n.val == nil {
		return "nil"
	}
	return strconv.FormatInt(*n.val, decBase)
}

func (n *nullableInt64) Set(value string) error {
	res, err := strconv.ParseInt(value, decBase, 64)
	if err != nil {
		return err
	}
	n.val = &res
	return nil
}

type nullableDuration struct {
	val *time.Duration
}

func (n *nullableDuration) String() string {
	if n.val == nil {
		return "nil"
	}
	return n.val.String()
}

func (n *nullableDuration) Set(value string) error {
	res, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	n.val = &res
	return nil
}

type nullableString struct {
	val *string
}

func (n *nullableString) String() string {
	if n.val == nil {
		return "nil"
	}
	return *n.val
}

func (n *nullableString) Set(value string) error {
	n.val = &value
	return nil
}

type nullableBool struct {
	val *bool
}

func (n *nullableBool) String() string {
	if n.val == nil {
		return "nil"
	}
	return strconv.FormatBool(*n.val)
}

func (n *nullableBool) Set(value string) error {
	res, err := strconv.ParseBool(value)
	if err != nil {
		return err
	}
	n.val = &res
	return nil
}

// IsBoolFlag lets kingpin accept --flag and --no-flag without a value.
func (n *nullableBool) IsBoolFlag() bool {
	return true
}
