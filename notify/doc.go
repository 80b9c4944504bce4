// Package notify provides tenantauth.Notifier implementations: an HTTP SMS
// gateway client for production and a zap-backed notifier for development.
// Neither logs the code it delivers, except LogNotifier in development mode.
package notify
