// Package media аудио часть сессии софтфона.
//
// SDP offer/answer строятся на pion/sdp/v3 и предлагают только аудио
// (PCMU, PCMA и telephone-event). Stream принимает RTP пакеты (pion/rtp)
// на UDP сокете с DSCP EF и сообщает о каждом новом удаленном источнике
// как о треке. Registry привязывает треки к воспроизведению не более
// одного раза на поток.
package media
