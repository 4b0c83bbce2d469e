package session

import (
	"time"

	"parking-service/internal/model"
)

// BillableHours rounds a stay up to whole hours with a minimum of one
func BillableHours(entry, exit time.Time) int64 {
	d := exit.Sub(entry)
	if d <= 0 {
		return 1
	}
	hours := int64(d / time.Hour)
	if d%time.Hour != 0 {
		hours++
	}
	return hours
}

// ComputeFee charges the base rate for the first hour and the hourly rate
// for every further started hour.
func ComputeFee(rate model.Rate, entry, exit time.Time) int64 {
	hours := BillableHours(entry, exit)
	if hours <= 1 {
		return rate.BaseRate
	}
	return rate.BaseRate + rate.HourlyRate*(hours-1)
}
