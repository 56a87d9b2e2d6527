// Package serde provides the pluggable serializers checkpoint savers use for
// checkpoint payloads, metadata and pending-write values.
//
// JSONPlus is the default. It produces JSON, so savers can store its output as
// a native document field and filter on metadata keys. Types registered in a
// TypeRegistry are written with their name and decode back to the same Go type:
//
//	serde.Register[ChatState]("ChatState")
//	s := serde.NewJSONPlus()
//
// Msgpack produces compact binary output. Savers detect that it is not JSON
// and store it base64-encoded with the field's "encoded" flag set.
package serde
