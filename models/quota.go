package models

import "time"

const bytesPerMB = 1024 * 1024

// Cost is a quota charge: conversion slots plus storage in MiB.
type Cost struct {
	Conversions int   `json:"conversions"`
	StorageMB   int64 `json:"storage_mb"`
}

// QuotaRecord tracks one user's usage for the current billing period.
type QuotaRecord struct {
	UserID           string    `json:"user_id"`
	ConversionsUsed  int       `json:"conversions_used"`
	ConversionsLimit int       `json:"conversions_limit"`
	StorageUsedMB    int64     `json:"storage_used_mb"`
	StorageLimitMB   int64     `json:"storage_limit_mb"`
	PeriodStart      time.Time `json:"period_start"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (q QuotaRecord) ConversionsRemaining() int {
	if q.ConversionsUsed >= q.ConversionsLimit {
		return 0
	}
	return q.ConversionsLimit - q.ConversionsUsed
}

func (q QuotaRecord) StorageRemainingMB() int64 {
	if q.StorageUsedMB >= q.StorageLimitMB {
		return 0
	}
	return q.StorageLimitMB - q.StorageUsedMB
}

// Allows reports whether charging c keeps the record within its limits.
func (q QuotaRecord) Allows(c Cost) bool {
	return q.ConversionsUsed+c.Conversions <= q.ConversionsLimit &&
		q.StorageUsedMB+c.StorageMB <= q.StorageLimitMB
}

// Rollover zeroes usage when now falls in a later period. It returns false
// when the record is already in the current period, which makes repeated
// resets harmless.
func (q *QuotaRecord) Rollover(now time.Time) bool {
	current := PeriodStart(now)
	if !q.PeriodStart.Before(current) {
		return false
	}
	q.ConversionsUsed = 0
	q.StorageUsedMB = 0
	q.PeriodStart = current
	q.UpdatedAt = now
	return true
}

// ReservationState tracks a provisional quota charge.
type ReservationState string

const (
	ReservationHeld      ReservationState = "held"
	ReservationCommitted ReservationState = "committed"
	ReservationReleased  ReservationState = "released"
)

// Reservation is a quota charge held until the job outcome is known.
type Reservation struct {
	ID          string           `json:"id"`
	UserID      string           `json:"user_id"`
	Cost        Cost             `json:"cost"`
	State       ReservationState `json:"state"`
	PeriodStart time.Time        `json:"period_start"`
	CreatedAt   time.Time        `json:"created_at"`
}

// PeriodStart returns the first instant of the UTC calendar month of t.
func PeriodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// StorageMB rounds a byte count up to whole MiB.
func StorageMB(bytes int64) int64 {
	if bytes <= 0 {
		return 0
	}
	return (bytes + bytesPerMB - 1) / bytesPerMB
}
