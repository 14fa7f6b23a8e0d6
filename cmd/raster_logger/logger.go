package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/gorilla/websocket"
	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/influxdata/influxdb-client-go/api/write"
)

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	// Create client
	server := getenv("INFLUX_SERVER", "http://localhost:9999")
	client := influxdb2.NewClient(server, os.Getenv("INFLUX_TOKEN"))
	defer client.Close()
	// Get non-blocking write client
	writeApi := client.WriteApi(getenv("INFLUX_ORG", "w1xm"), getenv("INFLUX_BUCKET", "raster.raw"))
	defer writeApi.Close()
	// Get errors channel
	errorsCh := writeApi.Errors()
	// Create go proc for reading and logging errors
	go func() {
		for err := range errorsCh {
			log.Printf("write error: %v", err)
		}
	}()
	url := getenv("RASTER_ADDRESS", "ws://localhost:8503/api/ws")
	for {
		if err := logData(writeApi, url); err != nil {
			log.Print(err)
		}
		time.Sleep(1 * time.Second)
	}
}

func flattenStatus(fields map[string]interface{}, status interface{}, prefix string) {
	switch status := status.(type) {
	case map[string]interface{}:
		for k, v := range status {
			flattenStatus(fields, v, prefix+"."+k)
		}
	case []interface{}:
		for k, v := range status {
			flattenStatus(fields, v, fmt.Sprintf("%s.%d", prefix, k))
		}
	default:
		if prefix != "" {
			fields[prefix[1:]] = status
		}
	}
}

// statusPoint turns one status message into a point tagged with the run
// id and state.
func statusPoint(status interface{}, ts time.Time) *write.Point {
	fields := make(map[string]interface{})
	flattenStatus(fields, status, "")
	tags := make(map[string]string)
	for _, key := range []string{"run.id", "run.state"} {
		if v, ok := fields[key].(string); ok {
			tags[key[len("run."):]] = v
			delete(fields, key)
		}
	}
	delete(fields, "run.started")
	return influxdb2.NewPoint("raster.status", tags, fields, ts)
}

func logData(writeApi api.WriteApi, url string) error {
	defer writeApi.Flush()
	var dialer websocket.Dialer
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	for {
		var status interface{}
		if err := conn.ReadJSON(&status); err != nil {
			return err
		}
		// write asynchronously
		writeApi.WritePoint(statusPoint(status, time.Now()))
	}
}
