package classifier

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Laisky/telegram-filescan/internal/scan"
)

func buildZip(t *testing.T, names ...string) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte("content of " + name))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	return buf.Bytes()
}

// truncateCentralDirectory drops everything from the first central directory
// record, as a ranged header fetch of a large archive would.
func truncateCentralDirectory(t *testing.T, buf []byte) []byte {
	t.Helper()

	idx := bytes.Index(buf, []byte("PK\x01\x02"))
	require.Positive(t, idx)
	return buf[:idx]
}

func TestClassifyPEStub(t *testing.T) {
	t.Parallel()

	buf := append([]byte{0x4D, 0x5A, 0x90, 0x00}, make([]byte, 60)...)
	verdict := New().Classify(buf)

	require.True(t, verdict.Danger())
	require.Equal(t, "pe", verdict.Kind)
}

func TestClassifyPEShortCircuits(t *testing.T) {
	t.Parallel()

	c := New()
	inputs := [][]byte{
		[]byte("MZ"),
		[]byte("MZ#!/usr/bin/env python\nimport os\n"),
		append([]byte("MZ"), buildZip(t, "word/document.xml")...),
		append([]byte("MZ"), []byte("%PDF-1.7")...),
	}
	for _, in := range inputs {
		verdict := c.Classify(in)
		require.Equal(t, Dangerous, verdict.Level)
		require.Equal(t, "pe", verdict.Kind)
		require.Len(t, verdict.Reasons, 1)
	}
}

func TestClassifyNativeFormats(t *testing.T) {
	t.Parallel()

	c := New()
	cases := map[string][]byte{
		"elf":   {0x7F, 'E', 'L', 'F', 0x02, 0x01},
		"macho": {0xCF, 0xFA, 0xED, 0xFE, 0x07, 0x00},
	}
	for kind, buf := range cases {
		verdict := c.Classify(buf)
		require.True(t, verdict.Danger(), kind)
		require.Equal(t, kind, verdict.Kind)
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	t.Parallel()

	c := New()
	inputs := [][]byte{
		nil,
		[]byte("hello world"),
		buildZip(t, "a/run.exe"),
		buildZip(t, "src/main.py"),
		[]byte("%PDF-1.4\n"),
	}
	for _, in := range inputs {
		first := c.Classify(in)
		for i := 0; i < 5; i++ {
			require.Equal(t, first, c.Classify(in))
		}
	}
}

func TestClassifyZipEscalation(t *testing.T) {
	t.Parallel()

	c := New()

	exe := buildZip(t, "readme.txt", "bin/Setup.EXE")
	require.Equal(t, Dangerous, c.Classify(exe).Level)
	require.Equal(t, Dangerous, c.Classify(truncateCentralDirectory(t, exe)).Level)

	scripts := buildZip(t, "lib/index.js", "tools/build.py")
	for _, buf := range [][]byte{scripts, truncateCentralDirectory(t, scripts)} {
		verdict := c.Classify(buf)
		require.Equal(t, Warning, verdict.Level)
		require.NotEqual(t, Safe, verdict.Level)
	}
}

func TestClassifyZipBackslashPaths(t *testing.T) {
	t.Parallel()

	verdict := New().Classify(buildZip(t, `payload\tool.dll`))
	require.True(t, verdict.Danger())
}

func TestClassifyDocx(t *testing.T) {
	t.Parallel()

	verdict := New().Classify(buildZip(t, "word/document.xml"))

	require.False(t, verdict.Danger())
	require.Equal(t, Warning, verdict.Level)
	require.Equal(t, "docx", verdict.Kind)
}

func TestClassifyPackageKinds(t *testing.T) {
	t.Parallel()

	c := New()
	cases := map[string][]string{
		"apk":  {"AndroidManifest.xml", "classes2.dex"},
		"jar":  {"META-INF/MANIFEST.MF", "com/example/Main.class"},
		"xlsx": {"xl/workbook.xml"},
		"pptx": {"ppt/presentation.xml"},
	}
	for kind, names := range cases {
		verdict := c.Classify(buildZip(t, names...))
		require.Equal(t, Warning, verdict.Level, kind)
		require.Equal(t, kind, verdict.Kind)
	}
}

func TestClassifyCorruptZip(t *testing.T) {
	t.Parallel()

	verdict := New().Classify([]byte("PK\x03\x04\x14\x00"))
	require.Equal(t, Warning, verdict.Level)
	require.Equal(t, "zip", verdict.Kind)
	require.Contains(t, verdict.Reason(), "suspicious")
}

func TestClassifyPDF(t *testing.T) {
	t.Parallel()

	verdict := New().Classify([]byte("%PDF-1.7\n%\xe2\xe3\xcf\xd3\n1 0 obj\n"))
	require.Equal(t, Warning, verdict.Level)
	require.Equal(t, "pdf", verdict.Kind)
}

func TestClassifyScripts(t *testing.T) {
	t.Parallel()

	c := New()
	cases := []struct {
		body string
		kind string
	}{
		{"#!/usr/bin/env python3\nprint('hi')\n", "py"},
		{"#!/bin/bash\necho hi\n", "sh"},
		{"#!/usr/bin/env node\nconsole.log(1)\n", "js"},
		{"const fs = require('fs')\n", "js"},
		{"import React from 'react'\n", "js"},
		{"def main():\n    pass\n", "py"},
		{"from os import path\n", "py"},
		{"import os\n", "py"},
	}
	for _, tc := range cases {
		verdict := c.Classify([]byte(tc.body))
		require.Equal(t, Warning, verdict.Level, tc.body)
		require.Equal(t, tc.kind, verdict.Kind, tc.body)
	}
}

func TestClassifyBinaryIsNotScanned(t *testing.T) {
	t.Parallel()

	buf := append([]byte("import os\n"), 0x00, 0x01)
	verdict := New().Classify(buf)
	require.Equal(t, Safe, verdict.Level)
}

func TestClassifySafe(t *testing.T) {
	t.Parallel()

	verdict := New().Classify([]byte("just some meeting notes\nnothing else\n"))
	require.Equal(t, Safe, verdict.Level)
	require.Equal(t, []string{"no known dangerous signature"}, verdict.Reasons)
}

func TestClassifyWithPolicy(t *testing.T) {
	t.Parallel()

	c := New()
	archive := buildZip(t, "notes.txt")
	text := []byte("plain text body\n")

	block := scan.ExtensionPolicy{AcceptMode: false, Extensions: []string{".ZIP"}}
	require.True(t, c.ClassifyWithPolicy(archive, block).Danger())
	require.False(t, c.ClassifyWithPolicy(text, block).Danger())

	accept := scan.ExtensionPolicy{AcceptMode: true, Extensions: []string{"txt"}}
	require.True(t, c.ClassifyWithPolicy(archive, accept).Danger())
	require.False(t, c.ClassifyWithPolicy(text, accept).Danger())

	require.False(t, c.ClassifyWithPolicy(archive, scan.ExtensionPolicy{AcceptMode: true}).Danger())
}

func TestClassifyModesAgreeOnPE(t *testing.T) {
	t.Parallel()

	c := New()
	buf := []byte{0x4D, 0x5A, 0x90, 0x00, 0x03}
	policy := scan.ExtensionPolicy{AcceptMode: true, Extensions: []string{"exe"}}

	require.Equal(t, c.Classify(buf).Danger(), c.ClassifyWithPolicy(buf, policy).Danger())
	require.True(t, c.ClassifyWithPolicy(buf, policy).Danger())
}
