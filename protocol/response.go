package protocol

import (
	"encoding/xml"

	"golang.org/x/xerrors"
)

// UpdateInfo is the typed result of a successful check-in: whether a newer
// version exists, and if so which one and where to get it.
type UpdateInfo struct {
	UpdateAvailable bool
	NewVersion      string
	MarketURL       string
}

type xmlResponse struct {
	XMLName  xml.Name         `xml:"response"`
	Protocol string           `xml:"protocol,attr"`
	Apps     []xmlResponseApp `xml:"app"`
}

type xmlResponseApp struct {
	AppID       string              `xml:"appid,attr"`
	Status      string              `xml:"status,attr"`
	UpdateCheck *xmlUpdateCheckResp `xml:"updatecheck"`
	Event       *xmlChildStatus     `xml:"event"`
	Ping        *xmlChildStatus     `xml:"ping"`
}

type xmlUpdateCheckResp struct {
	Status   string       `xml:"status,attr"`
	URLs     xmlURLs      `xml:"urls"`
	Manifest *xmlManifest `xml:"manifest"`
}

type xmlURLs struct {
	URLs []xmlURL `xml:"url"`
}

type xmlURL struct {
	Codebase string `xml:"codebase,attr"`
}

type xmlManifest struct {
	Version string `xml:"version,attr"`
}

type xmlChildStatus struct {
	Status string `xml:"status,attr"`
}

// Parse interprets a server response body for the given application.
// Entries for any other appid are ignored. installEvent selects the
// mandatory element: an install event needs an acknowledged <event>, a
// routine ping needs an <updatecheck>; a missing update (status
// "noupdate") is not an error.
func Parse(body []byte, appID string, installEvent bool) (UpdateInfo, error) {
	var doc xmlResponse
	if err := xml.Unmarshal(body, &doc); err != nil {
		return UpdateInfo{}, xerrors.Errorf("unmarshal response: %w", err)
	}

	var app *xmlResponseApp
	for i := range doc.Apps {
		if doc.Apps[i].AppID == appID {
			app = &doc.Apps[i]
			break
		}
	}
	if app == nil {
		return UpdateInfo{}, xerrors.Errorf("response has no entry for app %q", appID)
	}
	if app.Status != "ok" {
		return UpdateInfo{}, xerrors.Errorf("app %q status %q", appID, app.Status)
	}

	if installEvent {
		if app.Event == nil || app.Event.Status != "ok" {
			return UpdateInfo{}, xerrors.Errorf("install event for app %q not acknowledged", appID)
		}
		return UpdateInfo{}, nil
	}

	uc := app.UpdateCheck
	if uc == nil {
		return UpdateInfo{}, xerrors.Errorf("response for app %q is missing updatecheck", appID)
	}
	switch uc.Status {
	case "noupdate":
		return UpdateInfo{}, nil
	case "ok":
		if uc.Manifest == nil || uc.Manifest.Version == "" {
			return UpdateInfo{}, xerrors.Errorf("update for app %q is missing a version", appID)
		}
		if len(uc.URLs.URLs) == 0 || uc.URLs.URLs[0].Codebase == "" {
			return UpdateInfo{}, xerrors.Errorf("update for app %q is missing a url", appID)
		}
		return UpdateInfo{
			UpdateAvailable: true,
			NewVersion:      uc.Manifest.Version,
			MarketURL:       uc.URLs.URLs[0].Codebase,
		}, nil
	default:
		return UpdateInfo{}, xerrors.Errorf("updatecheck for app %q status %q", appID, uc.Status)
	}
}
