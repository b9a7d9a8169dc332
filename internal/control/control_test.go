// Copyright 2025 AUTHORS
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

package control

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/landistro/passimd/internal/store"
)

type fakeAdvertiser struct{ calls int }

func (f *fakeAdvertiser) Reregister() { f.calls++ }

func newTestSurface(t *testing.T) (*Surface, *fakeAdvertiser) {
	t.Helper()
	s := store.New(t.TempDir())
	adv := &fakeAdvertiser{}
	return New(s, adv, 1<<20, 0.026367), adv
}

func TestPublishRejectsNonRootCaller(t *testing.T) {
	s, _ := newTestSurface(t)
	_, err := s.Publish([]byte("x"), PublishAttrs{Basename: "a", MaxAge: 100, ShareLimit: 5}, 1000, 1)
	require.Error(t, err)
	var pe *publishError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, store.KindPermissionDenied, pe.Kind)
}

func TestPublishRejectsOversizeItem(t *testing.T) {
	s, _ := newTestSurface(t)
	big := make([]byte, 2<<20)
	_, err := s.Publish(big, PublishAttrs{Basename: "a", MaxAge: 100, ShareLimit: 5}, 0, 1)
	require.Error(t, err)
	var pe *publishError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, store.KindQuotaExceeded, pe.Kind)
}

func TestPublishRejectsShareCountAtOrAboveLimit(t *testing.T) {
	s, _ := newTestSurface(t)
	_, err := s.Publish([]byte("x"), PublishAttrs{Basename: "a", MaxAge: 100, ShareLimit: 2, ShareCount: 2}, 0, 1)
	require.Error(t, err)
	var pe *publishError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, store.KindValidation, pe.Kind)
}

func TestPublishSuccessTriggersReregisterAndChanged(t *testing.T) {
	s, adv := newTestSurface(t)

	ch := make(chan Event, 4)
	s.AddEventListener(ch)

	rec, err := s.Publish([]byte("hello"), PublishAttrs{Basename: "a.txt", MaxAge: 100, ShareLimit: 5}, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", rec.Filename)
	assert.Equal(t, 1, adv.calls)

	select {
	case ev := <-ch:
		assert.Equal(t, EventChanged, ev.Type)
	default:
		t.Fatal("expected a Changed event")
	}
}

func TestUnpublishRequiresRoot(t *testing.T) {
	s, _ := newTestSurface(t)
	rec, err := s.Publish([]byte("hello"), PublishAttrs{Basename: "a.txt", MaxAge: 100, ShareLimit: 5}, 0, 1)
	require.NoError(t, err)

	err = s.Unpublish(rec.Hash, 1000)
	require.Error(t, err)
	var pe *publishError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, store.KindPermissionDenied, pe.Kind)
}

func TestUnpublishUnknownHashIsNotFound(t *testing.T) {
	s, _ := newTestSurface(t)
	err := s.Unpublish("deadbeef", 0)
	require.Error(t, err)
	var pe *publishError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, store.KindNotFound, pe.Kind)
}

func TestCarbonSavingDerivedFromDownloadSaving(t *testing.T) {
	s, _ := newTestSurface(t)
	s.AddDownloadBytes(1 << 30) // exactly 1 GiB
	assert.InDelta(t, 0.026367, s.CarbonSaving(), 1e-9)
}
