// Package config provides configuration loading and validation for the relay,
// broadcaster and listener commands. Values come from a YAML file layered on
// top of Default, one section per component.
package config
