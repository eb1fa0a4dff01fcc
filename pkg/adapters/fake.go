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

package adapters

import (
	"context"
	"fmt"
	"sync"
)

// FakeMessaging is an in-memory MessagingAdapter for tests. Sent
// requests are recorded in order; SendFunc, if set, overrides the
// default success behavior.
type FakeMessaging struct {
	mu      sync.Mutex
	Sent    []MessagingSendRequest
	SendFunc func(MessagingSendRequest) (MessagingSendResult, error)
	seq     int
}

func (f *FakeMessaging) Send(_ context.Context, req MessagingSendRequest) (MessagingSendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Sent = append(f.Sent, req)
	if f.SendFunc != nil {
		return f.SendFunc(req)
	}
	f.seq++
	return MessagingSendResult{ProviderMessageID: fmt.Sprintf("fake-msg-%d", f.seq)}, nil
}

// FakeVoice is an in-memory VoiceAdapter for tests.
type FakeVoice struct {
	mu         sync.Mutex
	Placed     []VoicePlaceRequest
	PlaceFunc  func(VoicePlaceRequest) (VoicePlaceResult, error)
	OutcomeFor map[string]VoiceOutcome
	seq        int
}

func (f *FakeVoice) Place(_ context.Context, req VoicePlaceRequest) (VoicePlaceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Placed = append(f.Placed, req)
	if f.PlaceFunc != nil {
		return f.PlaceFunc(req)
	}
	f.seq++
	return VoicePlaceResult{
		ProviderCallID:         fmt.Sprintf("fake-call-%d", f.seq),
		ProviderConversationID: fmt.Sprintf("fake-conv-%d", f.seq),
	}, nil
}

func (f *FakeVoice) FetchOutcome(_ context.Context, providerConversationID string) (VoiceOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OutcomeFor == nil {
		return VoiceOutcome{}, fmt.Errorf("no outcome configured for %s", providerConversationID)
	}
	out, ok := f.OutcomeFor[providerConversationID]
	if !ok {
		return VoiceOutcome{}, fmt.Errorf("no outcome configured for %s", providerConversationID)
	}
	return out, nil
}

// FakeTask is an in-memory TaskAdapter for tests.
type FakeTask struct {
	mu        sync.Mutex
	Created   []TaskCreateRequest
	CreateFunc func(TaskCreateRequest) (TaskCreateResult, error)
	seq       int
}

func (f *FakeTask) Create(_ context.Context, req TaskCreateRequest) (TaskCreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Created = append(f.Created, req)
	if f.CreateFunc != nil {
		return f.CreateFunc(req)
	}
	f.seq++
	return TaskCreateResult{TaskID: fmt.Sprintf("fake-task-%d", f.seq)}, nil
}
