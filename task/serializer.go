package task

import "encoding/json"

// Serializer converts a task's payload to and from the opaque bytes stored
// in the execution row. No schema management is performed;
// forward/backward compatibility is the task author's concern. JSON via
// the standard library is the default — no payload-serialization call
// site anywhere in this codebase's lineage pulls in a third-party codec
// for this concern (protobuf appears only as a transitive dependency of
// gRPC stacks this package doesn't use), so this one component stays on
// stdlib.
type Serializer interface {
	Serialize(payload any) ([]byte, error)
	Deserialize(data []byte, out any) error
}

// JSONSerializer is the default Serializer.
type JSONSerializer struct{}

func (JSONSerializer) Serialize(payload any) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}
	return json.Marshal(payload)
}

func (JSONSerializer) Deserialize(data []byte, out any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
