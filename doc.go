// Package calnotify provides a calendar change notification system for AWS.
//
// calnotify watches calendar resources through a Microsoft Graph style
// subscription API, receives change notifications on an HTTP webhook, and
// forwards attendee response changes to Amazon EventBridge. It manages
// subscription lifecycles, deduplicates redelivered notifications, and
// keeps per-resource snapshots using DynamoDB or local file storage.
//
// # Architecture
//
// The package consists of four main components:
//
//   - [App]: Core application that coordinates subscription management and the webhook server
//   - [Intake]: Notification pipeline (authenticity check, dedupe, fetch, diff, delivery)
//   - [Storage], [SnapshotStorage], [DedupeLedger]: Persistent state (DynamoDB or file-based)
//   - [Notification]: Event delivery to downstream systems (EventBridge or file-based)
//
// # Usage
//
// For CLI usage, create a [CLI] instance and call Run:
//
//	var cli calnotify.CLI
//	ctx := context.Background()
//	exitCode := cli.Run(ctx)
//
// For programmatic usage, create an [App] instance:
//
//	storage, _ := calnotify.NewStorage(ctx, storageOption)
//	notification, _ := calnotify.NewNotification(ctx, notificationOption)
//	app, _ := calnotify.New(appOption, storage, snapshots, ledger, graph, graph, notification, cfg, env)
//	defer app.Close()
//
// # Change Detection
//
// The provider's notifications carry no payload beyond resource identity.
// On each notification calnotify fetches the full resource, diffs the
// attendee response states against the stored snapshot, and emits one
// change event per attendee whose response changed. The first observation
// of a resource establishes a baseline and emits nothing.
//
// # AWS Integration
//
// The package integrates with AWS services:
//   - DynamoDB for subscription, snapshot and dedupe state
//   - EventBridge for change event delivery
//   - SSM Parameter Store for the OAuth client secret
//   - Lambda for serverless deployment (via [github.com/fujiwara/ridge])
package calnotify
