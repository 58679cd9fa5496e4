// Package pb holds the protobuf payloads of repository frames, see hpel.proto.
// The message types are kept by hand in the layout protoc-gen-go v1.3 emits,
// the proto package marshals them through their struct tags.
package pb

import (
	"github.com/golang/protobuf/proto"
)

// FileHeader is written once at the start of every repository file.
type FileHeader struct {
	Properties map[string]string `protobuf:"bytes,1,rep,name=properties,proto3" json:"properties,omitempty" protobuf_key:"bytes,1,opt,name=key,proto3" protobuf_val:"bytes,2,opt,name=value,proto3"`
}

func (m *FileHeader) Reset()         { *m = FileHeader{} }
func (m *FileHeader) String() string { return proto.CompactTextString(m) }
func (*FileHeader) ProtoMessage()    {}

func (m *FileHeader) GetProperties() map[string]string {
	if m != nil {
		return m.Properties
	}
	return nil
}

// RecordHead holds the fields a reader filters on before decoding the body.
type RecordHead struct {
	Sequence int64  `protobuf:"varint,1,opt,name=sequence,proto3" json:"sequence,omitempty"`
	Level    int32  `protobuf:"varint,2,opt,name=level,proto3" json:"level,omitempty"`
	ThreadId int32  `protobuf:"varint,3,opt,name=thread_id,json=threadId,proto3" json:"thread_id,omitempty"`
	Logger   string `protobuf:"bytes,4,opt,name=logger,proto3" json:"logger,omitempty"`
}

func (m *RecordHead) Reset()         { *m = RecordHead{} }
func (m *RecordHead) String() string { return proto.CompactTextString(m) }
func (*RecordHead) ProtoMessage()    {}

func (m *RecordHead) GetSequence() int64 {
	if m != nil {
		return m.Sequence
	}
	return 0
}

func (m *RecordHead) GetLevel() int32 {
	if m != nil {
		return m.Level
	}
	return 0
}

func (m *RecordHead) GetThreadId() int32 {
	if m != nil {
		return m.ThreadId
	}
	return 0
}

func (m *RecordHead) GetLogger() string {
	if m != nil {
		return m.Logger
	}
	return ""
}

// RecordBody holds the bulk of a log record.
type RecordBody struct {
	Message    string            `protobuf:"bytes,1,opt,name=message,proto3" json:"message,omitempty"`
	Parameters []string          `protobuf:"bytes,2,rep,name=parameters,proto3" json:"parameters,omitempty"`
	Extensions map[string]string `protobuf:"bytes,3,rep,name=extensions,proto3" json:"extensions,omitempty" protobuf_key:"bytes,1,opt,name=key,proto3" protobuf_val:"bytes,2,opt,name=value,proto3"`
	StackTrace string            `protobuf:"bytes,4,opt,name=stack_trace,json=stackTrace,proto3" json:"stack_trace,omitempty"`
}

func (m *RecordBody) Reset()         { *m = RecordBody{} }
func (m *RecordBody) String() string { return proto.CompactTextString(m) }
func (*RecordBody) ProtoMessage()    {}

func (m *RecordBody) GetMessage() string {
	if m != nil {
		return m.Message
	}
	return ""
}

func (m *RecordBody) GetParameters() []string {
	if m != nil {
		return m.Parameters
	}
	return nil
}

func (m *RecordBody) GetExtensions() map[string]string {
	if m != nil {
		return m.Extensions
	}
	return nil
}

func (m *RecordBody) GetStackTrace() string {
	if m != nil {
		return m.StackTrace
	}
	return ""
}
