package call

import (
	"fmt"

	"github.com/pion/sdp/v3"
)

// remoteSending reports which media kinds the author of raw will send.
// A rejected m-line (port 0) sends nothing; a missing direction attribute
// inherits the session level one, defaulting to sendrecv.
func remoteSending(raw string) (audio, video bool, err error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return false, false, fmt.Errorf("parse sdp: %w", err)
	}

	sessionDir := direction(desc.Attributes, "sendrecv")
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Port.Value == 0 {
			continue
		}
		dir := direction(m.Attributes, sessionDir)
		sends := dir == "sendrecv" || dir == "sendonly"
		switch m.MediaName.Media {
		case "audio":
			audio = audio || sends
		case "video":
			video = video || sends
		}
	}
	return audio, video, nil
}

func direction(attrs []sdp.Attribute, def string) string {
	for _, a := range attrs {
		switch a.Key {
		case "sendrecv", "sendonly", "recvonly", "inactive":
			return a.Key
		}
	}
	return def
}
