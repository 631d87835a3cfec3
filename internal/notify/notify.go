// Package notify delivers failure notifications and keeps the recent log
// lines that the Telegram /189log command replies with.
package notify

import (
	"context"
	"errors"
	"fmt"
)

// Notifier delivers a human-readable message to operators.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Nop discards every message.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, string) error { return nil }

// Multi delivers to every notifier and joins the failures.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, message string) error {
	var errs []error

	for _, n := range m {
		if err := n.Notify(ctx, message); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// FailureMessage formats a direct-link failure for operators.
func FailureMessage(path string, err error) string {
	return fmt.Sprintf("302 直链获取失败\n路径: %s\n错误: %v", path, err)
}
