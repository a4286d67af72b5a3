// Package campaign implements the campaign orchestrator: it turns a send
// request into per-recipient message records and queued send jobs, with
// personalization and tracking applied per recipient.
package campaign
