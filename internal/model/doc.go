// Package model defines the domain types shared by the coordinator, the
// engine layer, the relay and the host adapter.
package model
