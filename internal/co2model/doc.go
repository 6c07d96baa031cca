// Package co2model is a per-byte CO2 model for transferred web resources.
//
// Energy per byte is split across three segments: the data centre serving
// the bytes, the network carrying them and the device receiving them. Each
// segment's energy is multiplied by the carbon intensity of the grid it
// draws from:
//
//	data centre  GreenIntensity if green-hosted, else GridIntensity.DataCenter
//	network      country intensity of GridIntensity.NetworkCountry
//	device       country intensity of GridIntensity.DeviceCountry
//
// Unknown countries use GlobalIntensity. Coefficients follow the "1byte"
// model published by the Shift Project and used by CO2.js.
package co2model
