package main

import (
	"encoding/json"
	"math"
	"math/rand"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/config"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/ingest"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/logging"
)

type item struct {
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

type payload struct {
	DeviceID string `json:"device_id"`
	SensorID string `json:"sensor_id"`
	Readings []item `json:"readings"`
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	logging.Setup(cfg.Log)

	device := viper.GetString("SIM_DEVICE")
	if device == "" {
		device = "gw-001"
	}
	sensor := viper.GetString("SIM_SENSOR")
	if sensor == "" {
		sensor = "pressure-001"
	}
	count := viper.GetInt("SIM_COUNT")
	if count <= 0 {
		count = 200
	}
	// every spikeEvery-th reading is pushed far outside the baseline
	spikeEvery := viper.GetInt("SIM_SPIKE_EVERY")
	if spikeEvery <= 0 {
		spikeEvery = 50
	}

	opts := mqtt.NewClientOptions().AddBroker(config.MQTTBroker()).SetClientID("sensor-simulator-" + device)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatal().Err(token.Error()).Msg("mqtt connect")
	}
	defer client.Disconnect(250)

	acks := ingest.AckTopic(device)
	if token := client.Subscribe(acks, 1, func(_ mqtt.Client, msg mqtt.Message) {
		log.Debug().RawJSON("ack", msg.Payload()).Msg("ack received")
	}); token.Wait() && token.Error() != nil {
		log.Fatal().Err(token.Error()).Msg("subscribe acks")
	}

	hello, _ := json.Marshal(ingest.Handshake{
		APIKey:   viper.GetString("SIM_API_KEY"),
		TenantID: viper.GetString("SIM_TENANT"),
	})
	if token := client.Publish("sensors/"+device+"/hello", 1, false, hello); token.Wait() && token.Error() != nil {
		log.Fatal().Err(token.Error()).Msg("hello publish")
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := 0; i < count; i++ {
		v := 50 + 5*math.Sin(float64(i)/10) + rng.NormFloat64()
		if (i+1)%spikeEvery == 0 {
			v += 40
		}
		body, _ := json.Marshal(payload{
			DeviceID: device,
			SensorID: sensor,
			Readings: []item{{Value: v, Timestamp: time.Now().UTC()}},
		})
		token := client.Publish("sensors/"+device+"/data", 1, false, body)
		token.Wait()
		time.Sleep(500 * time.Millisecond)
	}
	log.Info().Int("readings", count).Msg("simulation done")
}
