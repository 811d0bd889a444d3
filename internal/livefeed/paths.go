package livefeed

import (
	"strings"

	"emissionguard/internal/model"
)

const DefaultTopicTemplate = "vehicles/{vehicle}/emissions/{pollutant}"

// Paths are the two push-channel paths watched for one vehicle.
type Paths struct {
	CO  string
	CO2 string
}

func BuildPaths(template, vehicleID string) Paths {
	if template == "" {
		template = DefaultTopicTemplate
	}
	return Paths{
		CO:  buildPath(template, vehicleID, model.PollutantCO),
		CO2: buildPath(template, vehicleID, model.PollutantCO2),
	}
}

func buildPath(template, vehicleID string, p model.Pollutant) string {
	r := strings.NewReplacer("{vehicle}", sanitizeSegment(vehicleID), "{pollutant}", string(p))
	return r.Replace(template)
}

// sanitizeSegment keeps MQTT wildcards and separators out of a path segment.
func sanitizeSegment(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#':
			return '_'
		}
		return r
	}, strings.TrimSpace(s))
}
