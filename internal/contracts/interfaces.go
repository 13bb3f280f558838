package contracts

import "context"

// Notifier receives fire-and-forget notifications for terminal or user-visible states
// ⭐ SSOT: 알림은 트랜잭션 경계 밖 (실패해도 전이는 유지)
type Notifier interface {
	Dispatch(n Notification)
}

// TransitionObserver sees every committed transition (timelines, metrics)
type TransitionObserver interface {
	OnTransition(t Transition)
}

// ClientRegistry gates order creation on exchange registration (UCC)
type ClientRegistry interface {
	IsRegistered(ctx context.Context, exchange Exchange, clientID string) (bool, error)
}
