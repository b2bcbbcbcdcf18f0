package model

import "errors"

var ErrorNotFound = errors.New("not found")
var ErrorUserNotFound = errors.New("user not found")
var ErrorStorage = errors.New("local storage failure")
var ErrorRemoteWrite = errors.New("remote store write failed")
var ErrorRemoteRead = errors.New("remote store read failed")
var ErrorDecryptionFailed = errors.New("message could not be decrypted")
var ErrorInvalidPIN = errors.New("invalid unlock PIN")
var ErrorInvalidInvite = errors.New("invalid invite payload")
var ErrorNotInitialized = errors.New("no local identity")
