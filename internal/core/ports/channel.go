package ports

import (
	"context"

	"proctornet/internal/core/domain"
)

// SignalingStore is a path-addressed, eventually-consistent key-value store.
// Delete removes the node and its whole subtree. Subscribe delivers the subtree
// under path once immediately and again after every change beneath it; writes to
// one path are observed in write order, writes to different paths are unordered.
// domain.WithDepth narrows a subscription to the node's value or its direct
// children, so writes deeper in the tree cost it nothing.
type SignalingStore interface {
	Write(ctx context.Context, path string, value []byte) error
	ReadOnce(ctx context.Context, path string) ([]byte, bool, error)
	Subscribe(ctx context.Context, path string, onChange func(domain.Snapshot), opts ...domain.SubscribeOption) (func(), error)
	Delete(ctx context.Context, path string) error
}

// SignalingChannel is one participant's connection to the store. Paths registered
// with OnDisconnectDelete are removed by the store when the connection drops.
type SignalingChannel interface {
	SignalingStore
	OnDisconnectDelete(ctx context.Context, path string) error
}
