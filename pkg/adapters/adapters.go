// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package adapters defines the narrow outbound contracts to external
// systems (spec.md §4.4). Concrete implementations (Meta Cloud API,
// Twilio, ElevenLabs, SMTP) are external collaborators out of scope for
// this repository; this package defines the ports and the errors are
// expected to be pre-classified with pkg/errors.
package adapters

import "context"

// MessagingSendRequest is the input to MessagingAdapter.Send.
type MessagingSendRequest struct {
	Channel        string // whatsapp | sms | email
	TenantID       string
	To             string
	TemplateID     string
	Variables      map[string]string
	Body           string
	Buttons        []string
	IdempotencyKey string
}

// MessagingSendResult is the output of a successful send.
type MessagingSendResult struct {
	ProviderMessageID string
}

// MessagingAdapter sends one-way or interactive WhatsApp/SMS messages
// and plain-text email (admin notifications also flow through here per
// spec.md §7 "dispatched via the messaging adapter").
type MessagingAdapter interface {
	Send(ctx context.Context, req MessagingSendRequest) (MessagingSendResult, error)
}

// VoicePlaceRequest is the input to VoiceAdapter.Place.
type VoicePlaceRequest struct {
	TenantID       string
	To             string
	AgentRef       string
	Variables      map[string]string
	Metadata       map[string]string
	IdempotencyKey string
}

// VoicePlaceResult is the output of a successful call placement.
type VoicePlaceResult struct {
	ProviderCallID         string
	ProviderConversationID string
}

// VoiceOutcome is the result of VoiceAdapter.FetchOutcome polling.
type VoiceOutcome struct {
	Status        string
	DurationSecs  int
	Analysis      map[string]any
}

// VoiceAdapter places AI phone calls and supports a polling fallback for
// providers that don't push a completion callback reliably.
type VoiceAdapter interface {
	Place(ctx context.Context, req VoicePlaceRequest) (VoicePlaceResult, error)
	FetchOutcome(ctx context.Context, providerConversationID string) (VoiceOutcome, error)
}

// TaskCreateRequest is the input to TaskAdapter.Create.
type TaskCreateRequest struct {
	TenantID   string
	RunID      string
	NodeID     string
	LeadID     string
	TaskKind   string
	DueAt      *int64 // unix seconds, optional
	Assignment string
}

// TaskCreateResult is the output of a successful task creation.
type TaskCreateResult struct {
	TaskID string
}

// TaskAdapter creates human tasks for an external task management system.
type TaskAdapter interface {
	Create(ctx context.Context, req TaskCreateRequest) (TaskCreateResult, error)
}
