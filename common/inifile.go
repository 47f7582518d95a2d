// Defaults from $HOME/.co2track, an ini file:
//
//   [tracking]
//   earliest-date = 2023-01-01
//   slack-days = 1
//   workers = 4
//
//   [carbon]
//   profile = /etc/co2track/power.yaml
//   intensity = 231.12
//
//   [directory]
//   url = https://www.ebi.ac.uk/ebisearch/ws/rest/ebiweb_people
//   rate-limit = 2
//
// Command line arguments override anything set here.

package common

import (
	"errors"
	"os"
	"path"

	ini "github.com/lars-t-hansen/ini"
)

// MT: Constant after initialization
var (
	p     = ini.NewParser()
	store *ini.Store

	tracking             = p.AddSection("tracking")
	TrackingEarliestDate = tracking.AddString("earliest-date")
	TrackingSlackDays    = tracking.AddString("slack-days")
	TrackingWorkers      = tracking.AddString("workers")

	carbonSect      = p.AddSection("carbon")
	CarbonProfile   = carbonSect.AddString("profile")
	CarbonIntensity = carbonSect.AddString("intensity")

	directory          = p.AddSection("directory")
	DirectoryUrl       = directory.AddString("url")
	DirectoryRateLimit = directory.AddString("rate-limit")
)

func init() {
	home := os.Getenv("HOME")
	if home == "" {
		return
	}
	fn := path.Join(path.Clean(home), ".co2track")
	input, err := os.Open(fn)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			Log.Errorf("Error in trying to open %s: %s", fn, err.Error())
		}
		return
	}
	defer input.Close()
	store, err = p.Parse(input)
	if err != nil {
		Log.Errorf("Error in trying to parse %s: %s", fn, err.Error())
		return
	}
}

// ApplyDefault installs the ini value for f into *sp if *sp is still empty
// and a value is present, and reports whether it did.
func ApplyDefault(sp *string, f *ini.Field) bool {
	if *sp != "" || store == nil || !f.Present(store) {
		return false
	}
	*sp = os.ExpandEnv(f.StringVal(store))
	return true
}
