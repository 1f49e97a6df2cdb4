package database

import "github.com/khalidbs/vulnveille/cmd/common"

// Database is the storage surface for extracted vulnerabilities and their
// per-client tracking rows. Vulnerability rows are written once per
// (bulletin, CVE) pair; tracking rows are the mutable overlay the tracker
// page edits.
type Database interface {
	InsertVulnerability(v common.Vulnerability) (bool, error)
	GetVulnerability(bulletinID, cve string) (*common.Vulnerability, error)

	InsertTracking(t common.Tracking) (bool, error)
	GetTracking(id int64) (*common.Tracking, error)
	ListTracked(client, from, to string) ([]common.TrackedVuln, error)
	UpdateTracking(id int64, status, comment, treatedOn string) error
	DeleteTracking(id int64) error
	DeleteTrackingGroup(bulletinID, client string) error

	Clients() ([]string, error)
	Close() error
}
