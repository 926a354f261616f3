// Package event は通知ストリームのワイヤーフレーム型を提供する。
//
// サーバーからクライアントへのSSEストリーム上を流れるJSONペイロードの
// 型定義と、エンコード・デコードのヘルパーを含む。すべてのフレームは
// "type" フィールドで種類を判別する。
package event
