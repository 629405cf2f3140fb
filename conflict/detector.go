// Copyright 2025-2026 The roomsync Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package conflict

import (
	"context"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/roomsync/roomsync/common"
	"github.com/roomsync/roomsync/core"
)

// Overlaps whether two half-open intervals [start1, end1) and [start2, end2)
// intersect. Back-to-back intervals sharing a boundary do not overlap.
func Overlaps(start1, end1, start2, end2 time.Time) bool {
	return start1.Before(end2) && end1.After(start2)
}

// ConflictError a booking write was rejected because the requested window is
// already held by other confirmed bookings
type ConflictError struct {
	// RoomID is the contested room
	RoomID string
	// Conflicts are the confirmed bookings overlapping the requested window
	Conflicts []core.BookingRecord
}

// Error implements error
func (e ConflictError) Error() string {
	return fmt.Sprintf(
		"room %s has %d conflicting bookings", e.RoomID, len(e.Conflicts),
	)
}

// Detector finds confirmed bookings whose windows contest a candidate booking
type Detector interface {
	// CheckConflicts list confirmed bookings of the candidate's room which overlap
	// the candidate's window. The candidate itself never conflicts with its own
	// stored version.
	CheckConflicts(ctxt context.Context, candidate core.BookingRecord) ([]core.BookingRecord, error)
}

// detectorImpl implements Detector against a booking store
type detectorImpl struct {
	common.Component
	store BookingStore
}

// DefineDetector create conflict detector reading from a booking store
func DefineDetector(store BookingStore) (Detector, error) {
	logTags := log.Fields{
		"module": "conflict", "component": "detector",
	}
	return &detectorImpl{
		Component: common.Component{LogTags: logTags}, store: store,
	}, nil
}

// CheckConflicts list confirmed bookings overlapping the candidate's window
func (d *detectorImpl) CheckConflicts(
	ctxt context.Context, candidate core.BookingRecord,
) ([]core.BookingRecord, error) {
	existing, err := d.store.ListRoomBookings(ctxt, candidate.RoomID)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Unable to list bookings of room %s", candidate.RoomID,
		)
		return nil, err
	}
	conflicts := make([]core.BookingRecord, 0)
	for _, other := range existing {
		if other.ID == candidate.ID {
			continue
		}
		// Cancelled bookings no longer hold their window
		if other.Status != core.BookingStatusConfirmed {
			continue
		}
		if Overlaps(candidate.StartTime, candidate.EndTime, other.StartTime, other.EndTime) {
			conflicts = append(conflicts, other)
		}
	}
	return conflicts, nil
}
