// Package app composes the chat API: it builds the stores, domain services,
// realtime hub and background jobs and manages their lifecycle.
//
// Dependency flow:
//
//	cmd/chatsphere
//	      │
//	      ▼
//	internal/app (composition)
//	      ├──► internal/app/services/* (business rules)
//	      ├──► internal/app/storage    (memory, postgres)
//	      ├──► internal/realtime       (websocket hub)
//	      └──► internal/app/jobs       (cron maintenance)
//
// HTTP handlers live in internal/app/httpapi and only talk to the services
// exposed on Application.
package app
