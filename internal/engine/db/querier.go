package db

import (
	"context"
)

type Querier interface {
	AckNotification(ctx context.Context, arg AckNotificationParams) (int64, error)
	ClaimAlert(ctx context.Context, id, column string) (int64, error)
	CountAddressHolders(ctx context.Context, arg CountAddressHoldersParams) (int64, error)
	CountNotificationsByConfig(ctx context.Context, arg CountNotificationsByConfigParams) (int64, error)
	CreateConfig(ctx context.Context, arg CreateConfigParams) (VpnConfig, error)
	CreateNotification(ctx context.Context, arg CreateNotificationParams) (Notification, error)
	DeactivateServersNotIn(ctx context.Context, ids string) (int64, error)
	DeleteConfig(ctx context.Context, id string) (int64, error)
	GetConfig(ctx context.Context, id string) (VpnConfig, error)
	GetPlan(ctx context.Context, id int64) (Plan, error)
	GetServer(ctx context.Context, id int64) (Server, error)
	ListActiveAddresses(ctx context.Context, serverID int64) ([]string, error)
	ListActiveServers(ctx context.Context) ([]Server, error)
	ListConfigsByOwner(ctx context.Context, ownerID int64) ([]VpnConfig, error)
	ListConfigsByServer(ctx context.Context, serverID int64) ([]VpnConfig, error)
	ListConfigsByStatus(ctx context.Context, status string) ([]VpnConfig, error)
	ListPendingNotifications(ctx context.Context, limit int64) ([]Notification, error)
	ListPlans(ctx context.Context) ([]Plan, error)
	ListServers(ctx context.Context) ([]Server, error)
	RenewConfig(ctx context.Context, arg RenewConfigParams) (int64, error)
	SetDisableRequested(ctx context.Context, id string) (int64, error)
	TransitionConfigStatus(ctx context.Context, arg TransitionConfigStatusParams) (int64, error)
	CompleteDisable(ctx context.Context, arg CompleteDisableParams) (int64, error)
	UpdateConfigUsage(ctx context.Context, arg UpdateConfigUsageParams) (int64, error)
	UpsertPlan(ctx context.Context, arg UpsertPlanParams) error
	UpsertServer(ctx context.Context, arg UpsertServerParams) error
}

var _ Querier = (*Queries)(nil)
