package tool

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
)

const (
	WeatherName = "weather"
	ConvertName = "convertFahrenheitToCelsius"
)

// WeatherInput is the input of the weather tool.
type WeatherInput struct {
	Location string `json:"location" jsonschema:"description=The location to get the weather for"`
}

// WeatherOutput reports a temperature in Fahrenheit.
type WeatherOutput struct {
	Location    string `json:"location"`
	Temperature int    `json:"temperature"`
}

// ConvertInput is the input of the temperature conversion tool.
type ConvertInput struct {
	Temperature float64 `json:"temperature" jsonschema:"description=The temperature in fahrenheit to convert"`
}

// ConvertOutput reports a temperature in Celsius.
type ConvertOutput struct {
	Celsius float64 `json:"celsius"`
}

// NewWeather returns the demo weather tool. Temperatures are random in
// [32, 90] Fahrenheit; intn lets tests pin the value.
func NewWeather(intn func(n int) int) Tool {
	if intn == nil {
		intn = rand.IntN
	}
	return New(WeatherName, "Get the weather in a location (fahrenheit)",
		func(_ context.Context, in WeatherInput) (WeatherOutput, error) {
			loc := strings.TrimSpace(in.Location)
			if loc == "" {
				return WeatherOutput{}, fmt.Errorf("location is required")
			}
			return WeatherOutput{Location: loc, Temperature: 32 + intn(90-32+1)}, nil
		})
}

// NewConvert returns the Fahrenheit to Celsius tool.
func NewConvert() Tool {
	return New(ConvertName, "Convert a temperature in fahrenheit to celsius",
		func(_ context.Context, in ConvertInput) (ConvertOutput, error) {
			return ConvertOutput{Celsius: FahrenheitToCelsius(in.Temperature)}, nil
		})
}

// FahrenheitToCelsius converts and rounds to the nearest integer.
func FahrenheitToCelsius(f float64) float64 {
	return math.Round((f - 32) * 5 / 9)
}

// Builtins returns the demo tool set.
func Builtins() []Tool {
	return []Tool{NewWeather(nil), NewConvert()}
}
