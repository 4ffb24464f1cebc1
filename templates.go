package main

import (
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	uuid "github.com/satori/go.uuid"
)

var (
	templates = map[string][]byte{
		"plain-text": []byte(plainTextTemplate),
		"json":       []byte(jsonTemplate),
	}
)

type format interface{}
type knownFormat string

func (kf knownFormat) template() []byte {
	return templates[string(kf)]
}

type filePath string
type userDefinedTemplate filePath

func formatFromString(formatSpec string) format {
	const prefix = "path:"
	if strings.HasPrefix(formatSpec, prefix) {
		return userDefinedTemplate(formatSpec[len(prefix):])
	}
	switch formatSpec {
	case "pt", "plain-text":
		return knownFormat("plain-text")
	case "j", "json":
		return knownFormat("json")
	}
	// nil represents unknown format
	return nil
}

func newOutputTemplate(f format, withLatencies bool) (*template.Template, error) {
	var (
		text []byte
		err  error
	)
	switch f := f.(type) {
	case knownFormat:
		text = f.template()
	case userDefinedTemplate:
		text, err = os.ReadFile(string(f))
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %v", errUnknownFormat, f)
	}
	return template.New("output-template").
		Funcs(template.FuncMap{
			"WithLatencies": func() bool {
				return withLatencies
			},
			"FormatBinary":   formatBinary,
			"FormatTimeUs":   formatTimeUs,
			"FormatDuration": formatDuration,
			"FormatTimeUsUint64": func(us uint64) string {
				return formatTimeUs(float64(us))
			},
			"FloatsToArray": func(ps ...float64) []float64 {
				return ps
			},
			"Multiply": func(num, coeff float64) float64 {
				return num * coeff
			},
			"StringToBytes": func(s string) []byte {
				return []byte(s)
			},
			"Int64ToFloat": func(n int64) float64 {
				return float64(n)
			},
			"Seconds": func(d time.Duration) float64 {
				return d.Seconds()
			},
			"UUIDV1": uuid.NewV1,
			"UUIDV4": uuid.NewV4,
			"UUIDV5": uuid.NewV5,
		}).Parse(string(text))
}

const (
	plainTextTemplate = `
{{- define "phases" -}}
{{- range . }}
{{ printf "    %-12v %10v %10v %10v" .Name (FormatDuration .Min) (FormatDuration .Mean) (FormatDuration .Max) }}
{{- end -}}
{{- end -}}
{{- printf "%10v %10v %10v %10v" "Statistics" "Avg" "Stdev" "Max" }}
{{ with .Result.RequestsStats (FloatsToArray 0.5 0.75 0.9 0.95 0.99) }}
	{{- printf "  %-10v %10.2f %10.2f %10.2f" "Reqs/sec" .Mean .Stddev .Max -}}
{{ else }}
	{{- print "  There wasn't enough data to compute statistics for requests." }}
{{ end }}
{{ with .Result.LatenciesStats (FloatsToArray 0.5 0.75 0.9 0.95 0.99) }}
	{{- printf "  %-10v %10v %10v %10v" "Latency" (FormatTimeUs .Mean) (FormatTimeUs .Stddev) (FormatTimeUs .Max) }}
	{{- if WithLatencies }}
		{{- "\n  Latency Distribution" }}
		{{- range $pc, $lat := .Percentiles }}
			{{- printf "\n     %2.0f%% %10s" (Multiply $pc 100) (FormatTimeUsUint64 $lat) -}}
		{{ end -}}
	{{ end }}
{{ else }}
	{{- print "  There wasn't enough data to compute statistics for latencies." }}
{{ end -}}
{{ with .Result -}}
{{ "  Phases since request start:" }}
{{ printf "    %-12v %10v %10v %10v" "Phase" "Min" "Mean" "Max" }}
{{- template "phases" .Global.Phases }}
{{ printf "  Measurements: %v (%.2f reqs/sec)" .Global.Measurements .Global.RequestsPerSecond }}
{{ "  HTTP codes:" }}
{{ printf "    1xx - %v, 2xx - %v, 3xx - %v, 4xx - %v, 5xx - %v" .Req1XX .Req2XX .Req3XX .Req4XX .Req5XX }}
{{ printf "    others - %v" .Others }}
{{- with .Errors }}
{{ "  Errors:" }}
{{- range . }}
{{ printf "    %10v - %v" .Error .Count }}
{{- end }}
{{- end }}
{{ printf "  Connections: %v dispatched, %v completed, %v failed, %v at most in flight" .Dispatched .Completed .Failed .ConcurrencyHighWater }}
{{ printf "  Received: %v in responses" (FormatBinary (Int64ToFloat .BytesReceived)) }}
{{- if .HasManyDestinations }}
{{ "  Destinations:" }}
{{- range .Destinations }}
{{ printf "    %v (%v): %v measurements, %v connects, %v errors, %.2f reqs/sec" .URL .Address .Stats.Measurements .Connects .Errors .Stats.RequestsPerSecond }}
{{- template "phases" .Stats.Phases }}
{{- end }}
{{- end }}
{{ printf "  %-11v %10v" "Elapsed:" (FormatDuration .TimeTaken) }}
{{ printf "  %-11v %10v/s" "Throughput:" (FormatBinary .Throughput) }}
{{ end -}}`

	jsonTemplate = `
{{- define "accumulated" -}}
{"measurements":{{ .Measurements -}}
,"elapsedSeconds":{{ Seconds .Elapsed -}}
,"requestsPerSecond":{{ .RequestsPerSecond -}}
,"phases":[
{{- range $index, $phase := .Phases -}}
{{- if ne $index 0 -}},{{- end -}}
{"name":{{ .Name | printf "%q" -}}
,"minUs":{{ .Min.Microseconds -}}
,"meanUs":{{ .Mean.Microseconds -}}
,"maxUs":{{ .Max.Microseconds -}}
,"totalUs":{{ .Total.Microseconds -}}
}
{{- end -}}
]}
{{- end -}}

{"spec":{
{{- with .Spec -}}
"concurrency":{{ .Concurrency -}}
,"numberOfRequests":{{ .NumberOfRequests -}}
,"urls":[
{{- range $index, $url := .URLs -}}
{{- if ne $index 0 -}},{{- end -}}
{{- $url | printf "%q" -}}
{{- end -}}
]

{{- if .HasConnectOverride -}}
,"connect":{{ .Connect | printf "%q" }}
{{- end -}}

,"method":{{ .Method | printf "%q" }}

{{- with .Headers -}}
,"headers":[
{{- range $index, $header := . -}}
{{- if ne $index 0 -}},{{- end -}}
{"key":{{ .Key | printf "%q" }},"value":{{ .Value | printf "%q" }},"disabled":{{ .Disabled }}}
{{- end -}}
]
{{- end -}}

,"maxConnectErrors":{{ .MaxConnectErrors -}}
,"halfClose":{{ .HalfClose -}}
,"connectTimeoutSeconds":{{ Seconds .ConnectTimeout }}

{{- with .Rate -}}
,"rate":{{ . }}
{{- end -}}
{{- end -}}
},

{{- with .Result -}}
"result":{"runId":{{ .RunID | printf "%q" -}}
,"bytesRead":{{ .BytesRead -}}
,"bytesWritten":{{ .BytesWritten -}}
,"bytesReceived":{{ .BytesReceived -}}
,"timeTakenSeconds":{{ Seconds .TimeTaken -}}

,"dispatched":{{ .Dispatched -}}
,"completed":{{ .Completed -}}
,"failed":{{ .Failed -}}
,"concurrencyHighWater":{{ .ConcurrencyHighWater -}}

,"req1xx":{{ .Req1XX -}}
,"req2xx":{{ .Req2XX -}}
,"req3xx":{{ .Req3XX -}}
,"req4xx":{{ .Req4XX -}}
,"req5xx":{{ .Req5XX -}}
,"others":{{ .Others -}}

{{- with .Errors -}}
,"errors":[
{{- range $index, $error := . -}}
{{- if ne $index 0 -}},{{- end -}}
{"description":{{ .Error | printf "%q" }},"count":{{ .Count }}}
{{- end -}}
]
{{- end -}}

,"global":{{ template "accumulated" .Global -}}
,"destinations":[
{{- range $index, $dest := .Destinations -}}
{{- if ne $index 0 -}},{{- end -}}
{"url":{{ .URL | printf "%q" -}}
,"address":{{ .Address | printf "%q" -}}
,"connects":{{ .Connects -}}
,"errors":{{ .Errors -}}
,"stats":{{ template "accumulated" .Stats -}}
}
{{- end -}}
]

{{- with .LatenciesStats (FloatsToArray 0.5 0.75 0.9 0.95 0.99) -}}
,"latency":{"mean":{{ .Mean -}}
,"stddev":{{ .Stddev -}}
,"max":{{ .Max -}}

{{- if WithLatencies -}}
,"percentiles":{
{{- range $pc, $lat := .Percentiles }}
{{- if ne $pc 0.5 -}},{{- end -}}
{{- printf "\"%2.0f\":%d" (Multiply $pc 100) $lat -}}
{{- end -}}
}
{{- end -}}

}
{{- end -}}

{{- with .RequestsStats (FloatsToArray 0.5 0.75 0.9 0.95 0.99) -}}
,"rps":{"mean":{{ .Mean -}}
,"stddev":{{ .Stddev -}}
,"max":{{ .Max -}}
,"percentiles":{
{{- range $pc, $rps := .Percentiles }}
{{- if ne $pc 0.5 -}},{{- end -}}
{{- printf "\"%2.0f\":%f" (Multiply $pc 100) $rps -}}
{{- end -}}
}}
{{- end -}}
}}
{{- end -}}`
)
