/*
 * Copyright (C) 2024 Google LLC
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you may not
 * use this file except in compliance with the License. You may obtain a copy of
 * the License at
 *
 *   http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
 * WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
 * License for the specific language governing permissions and limitations under
 * the License.
 */

package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	cqllz4 "github.com/datastax/go-cassandra-native-protocol/compression/lz4"
	cqlsnappy "github.com/datastax/go-cassandra-native-protocol/compression/snappy"
	"github.com/datastax/go-cassandra-native-protocol/frame"
	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
)

// Compression algorithm names as sent in the STARTUP COMPRESSION option.
const (
	Snappy = "snappy"
	LZ4    = "lz4"
)

// NewCompressor returns the body compressor for a STARTUP algorithm name. An
// empty name means no compression and returns nil.
func NewCompressor(algorithm string) (frame.BodyCompressor, error) {
	switch algorithm {
	case "":
		return nil, nil
	case Snappy:
		return snappyCompressor{}, nil
	case LZ4:
		return lz4Compressor{}, nil
	}
	return nil, fmt.Errorf("unsupported compression algorithm %q", algorithm)
}

// snappyCompressor refuses bodies that claim to inflate past MaxFrameSize
// before allocating for them.
type snappyCompressor struct {
	cqlsnappy.Compressor
}

func (c snappyCompressor) DecompressWithLength(source io.Reader, dest io.Writer) error {
	compressed, err := io.ReadAll(source)
	if err != nil {
		return err
	}
	size, err := snappy.DecodedLen(compressed)
	if err != nil {
		return err
	}
	if size > int(MaxFrameSize) {
		return fmt.Errorf("snappy: decompressed length %d exceeds %d bytes", size, MaxFrameSize)
	}
	return c.Compressor.DecompressWithLength(bytes.NewBuffer(compressed), dest)
}

// lz4Compressor sizes its output from the 4-byte uncompressed length that
// prefixes every lz4 body. The embedded decompressor guesses the size instead
// and gives up on bodies that inflate more than eight times.
type lz4Compressor struct {
	cqllz4.Compressor
}

func (c lz4Compressor) DecompressWithLength(source io.Reader, dest io.Writer) error {
	compressed, err := io.ReadAll(source)
	if err != nil {
		return err
	}
	if len(compressed) < 4 {
		return errors.New("lz4: body shorter than length prefix")
	}
	size := binary.BigEndian.Uint32(compressed)
	if size > uint32(MaxFrameSize) {
		return fmt.Errorf("lz4: decompressed length %d exceeds %d bytes", size, MaxFrameSize)
	}
	if size == 0 {
		return nil
	}
	out := make([]byte, size)
	n, err := lz4.UncompressBlock(compressed[4:], out)
	if err != nil {
		return err
	}
	_, err = dest.Write(out[:n])
	return err
}
