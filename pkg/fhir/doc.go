// Package fhir defines the small slice of FHIR R4 wire structure the access
// layer actually reads: Bundle pagination links, Bundle entries, and
// OperationOutcome issues. Resource payloads themselves stay opaque JSON.
//
// The access layer deliberately carries no typed resource model. Consumers
// receive resources as raw JSON and apply their own schema handling.
package fhir
